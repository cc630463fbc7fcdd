package kmssigner

import (
	"context"
	"fmt"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC32C (Castagnoli) of payload.
func Checksum(payload []byte) uint32 {
	return crc32.Checksum(payload, castagnoli)
}

// Envelope is what a backend returns for one checksummed exchange.
type Envelope struct {
	Payload         []byte
	PayloadCRC32C   *uint32 // backend-computed checksum of Payload
	RequestVerified bool    // backend confirmed the request checksum matched
}

// RoundTripFunc performs one backend exchange carrying payload and its
// checksum.
type RoundTripFunc func(ctx context.Context, payload []byte, payloadCRC32C uint32) (*Envelope, error)

// ChecksummedChannel attaches a CRC32C to outbound payloads and verifies
// both the backend's acknowledgement of it and the checksum of the reply.
//
// CRC32C only detects accidental corruption. Authentication of the channel
// is the transport's job.
type ChecksummedChannel struct{}

// Send runs roundTrip and returns the verified response payload.
func (ChecksummedChannel) Send(ctx context.Context, payload []byte, roundTrip RoundTripFunc) ([]byte, error) {
	env, err := roundTrip(ctx, payload, Checksum(payload))
	if err != nil {
		return nil, backendError(err)
	}
	if env == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrMalformedResponse)
	}
	if !env.RequestVerified {
		return nil, &TransitCorruptionError{Direction: DirectionRequest}
	}
	if err := verifyResponse(env.Payload, env.PayloadCRC32C); err != nil {
		return nil, err
	}
	return env.Payload, nil
}

// verifyResponse checks payload against the backend reported checksum.
func verifyResponse(payload []byte, reported *uint32) error {
	if reported == nil {
		return fmt.Errorf("%w: response checksum missing", ErrMalformedResponse)
	}
	if got := Checksum(payload); got != *reported {
		return &TransitCorruptionError{Direction: DirectionResponse, Want: *reported, Got: got}
	}
	return nil
}
