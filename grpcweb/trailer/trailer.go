// Package trailer implements the in-body trailer codec: the HTTP/1-style
// header block carried as the payload of the trailer envelope, and the
// gRPC status it encodes.
package trailer

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	// Registers the standard detail message types (BadRequest, ErrorInfo,
	// RetryInfo, ...) so status.Status.Details() can unmarshal them into
	// their concrete Go types instead of leaving them as *anypb.Any.
	_ "google.golang.org/genproto/googleapis/rpc/errdetails"
	spbstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

const (
	keyGRPCStatus        = "grpc-status"
	keyGRPCMessage       = "grpc-message"
	keyGRPCStatusDetails = "grpc-status-details-bin"
)

// ErrMissingStatus is returned when a trailer block has no grpc-status
// entry.
var ErrMissingStatus = errors.New("grpcweb: trailer is missing grpc-status")

// Pair is a single name/value line of a trailer block, preserved in
// insertion order.
type Pair struct {
	Name  string
	Value string
}

// Block is an ordered trailer, as it appears on the wire: unlike
// metadata.MD (a map, whose Go iteration order is undefined) it preserves
// insertion order for Encode, while Parse is tolerant of any order and of
// duplicate names.
type Block []Pair

// Get returns the first value for name (case-insensitive), and whether it
// was found.
func (b Block) Get(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, p := range b {
		if strings.ToLower(p.Name) == name {
			return p.Value, true
		}
	}
	return "", false
}

// ToMD collects the block into a metadata.MD, gathering duplicate names
// into a list as grpc/metadata already does.
func (b Block) ToMD() metadata.MD {
	md := metadata.MD{}
	for _, p := range b {
		md.Append(p.Name, p.Value)
	}
	return md
}

// FromMD builds a Block from a metadata.MD. Because metadata.MD has no
// defined iteration order, this is only used to serialize trailers this
// process originates (e.g. test fixtures), not to round-trip a received
// block.
func FromMD(md metadata.MD) Block {
	b := make(Block, 0, len(md))
	for k, vs := range md {
		for _, v := range vs {
			b = append(b, Pair{Name: k, Value: v})
		}
	}
	return b
}

// Encode serializes a Block as "name: value\r\n" lines, lower-casing
// names, in the block's own order.
func Encode(b Block) []byte {
	var buf bytes.Buffer
	for _, p := range b {
		buf.WriteString(strings.ToLower(p.Name))
		buf.WriteString(": ")
		buf.WriteString(p.Value)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// Parse decodes a trailer block payload into a Block. It tolerates CRLF
// or bare-LF line endings and duplicate names (each occurrence is kept).
func Parse(data []byte) (Block, error) {
	var b Block

	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		line := strings.TrimRight(s.Text(), "\r")
		if line == "" {
			continue
		}

		i := strings.Index(line, ":")
		if i < 0 {
			return nil, errors.Errorf("grpcweb: malformed trailer line %q", line)
		}

		name := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		b = append(b, Pair{Name: name, Value: value})
	}
	if err := s.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan trailer block")
	}

	return b, nil
}

// Status extracts the gRPC outcome encoded by a trailer block, per spec
// §4.E "validate trailer block": grpc-status is required, and a value that
// is not a non-negative integer yields an Unknown status; grpc-message (if
// present) is percent-decoded;
// grpc-status-details-bin (if present) is base64-decoded into a
// structured status carrying typed details.
func Status(b Block) (*status.Status, error) {
	raw, ok := b.Get(keyGRPCStatus)
	if !ok {
		return nil, ErrMissingStatus
	}

	code, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return status.New(codes.Unknown, "grpcweb: unrecognized grpc-status value "+raw), nil
	}

	message := ""
	if raw, ok := b.Get(keyGRPCMessage); ok {
		message, err = percentDecode(raw)
		if err != nil {
			return nil, errors.Wrap(err, "failed to percent-decode grpc-message")
		}
	}

	st := status.New(codes.Code(code), message)

	if raw, ok := b.Get(keyGRPCStatusDetails); ok && raw != "" {
		bin, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(raw, "="))
		if err != nil {
			return nil, errors.Wrap(err, "failed to base64-decode grpc-status-details-bin")
		}

		var sp spbstatus.Status
		if err := proto.Unmarshal(bin, &sp); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal grpc-status-details-bin")
		}
		if detailed, ok := status.FromProto(&sp); ok {
			st = detailed
		}
	}

	return st, nil
}

// EncodeStatus builds the trailer lines representing st, for servers or
// test fixtures that need to synthesize one.
func EncodeStatus(st *status.Status) Block {
	b := Block{
		{Name: keyGRPCStatus, Value: strconv.Itoa(int(st.Code()))},
	}
	if msg := st.Message(); msg != "" {
		b = append(b, Pair{Name: keyGRPCMessage, Value: percentEncode(msg)})
	}
	if proto := st.Proto(); proto != nil && len(proto.GetDetails()) > 0 {
		bin, err := protoMarshal(proto)
		if err == nil {
			b = append(b, Pair{Name: keyGRPCStatusDetails, Value: base64.StdEncoding.EncodeToString(bin)})
		}
	}
	return b
}

func protoMarshal(m *spbstatus.Status) ([]byte, error) {
	return proto.Marshal(m)
}

// percentDecode reverses percentEncode: %-escapes outside the unreserved
// set, as used by grpc-message.
func percentDecode(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}

	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		if s[i] != '%' || i+2 >= len(s) {
			buf.WriteByte(s[i])
			continue
		}
		hi, hiErr := hexVal(s[i+1])
		lo, loErr := hexVal(s[i+2])
		if hiErr != nil || loErr != nil {
			buf.WriteByte(s[i])
			continue
		}
		buf.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return buf.String(), nil
}

func hexVal(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, errors.Errorf("grpcweb: invalid percent-escape digit %q", c)
	}
}

// percentEncode escapes bytes outside the printable-ASCII, non-% set, the
// same alphabet grpc-go's grpc-message encoder targets.
func percentEncode(s string) string {
	needsEscape := false
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			needsEscape = true
			break
		}
	}
	if !needsEscape {
		return s
	}

	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		c := s[i]
		if shouldEscape(c) {
			buf.WriteByte('%')
			hex := strings.ToUpper(strconv.FormatUint(uint64(c), 16))
			if len(hex) < 2 {
				buf.WriteByte('0')
			}
			buf.WriteString(hex)
		} else {
			buf.WriteByte(c)
		}
	}
	return buf.String()
}

func shouldEscape(c byte) bool {
	return c < 0x20 || c > 0x7e || c == '%'
}
