package grpcweb

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/heartandu/grpcweb/compress"
	"github.com/heartandu/grpcweb/envelope"
)

// mapContextError classifies a ctx.Err() into the gRPC codes the wire
// protocol reserves for cancellation, per spec §7.
func mapContextError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

// mapEnvelopeError turns an envelope-framing failure into the gRPC code
// spec §7/§8 assigns it: a size violation is ResourceExhausted, anything
// else about the framing is a protocol error (InvalidArgument).
func mapEnvelopeError(err error) error {
	switch {
	case errors.Is(err, envelope.ErrTooLarge):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, envelope.ErrPrematureEOF), errors.Is(err, envelope.ErrInvalidFlags):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}

// mapCompressError turns a compression-transform failure into its gRPC
// code: an unrecognized or oversized payload is the caller's fault
// (InvalidArgument/ResourceExhausted), anything else is Internal.
func mapCompressError(err error) error {
	switch {
	case errors.Is(err, compress.ErrUnknownCompressor):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, compress.ErrDecompressedTooLarge):
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
