package network

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/alphabill-org/consensus-observer/types"
)

// maxMsgSize limits the size of single message read from the stream.
const maxMsgSize = 16 * 1024 * 1024

/*
serializeMsg encodes the message as CBOR prefixed with its length as uvarint.
*/
func serializeMsg(msg any) ([]byte, error) {
	data, err := types.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	buf := binary.AppendUvarint(make([]byte, 0, len(data)+binary.MaxVarintLen64), uint64(len(data)))
	return append(buf, data...), nil
}

// deserializeMsg reads single length prefixed message from the reader into "msg".
func deserializeMsg(r *bufio.Reader, msg any) error {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return err
	}
	if length > maxMsgSize {
		return fmt.Errorf("message size %d exceeds the limit %d", length, maxMsgSize)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("reading message data: %w", err)
	}
	if err := types.Unmarshal(buf, msg); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}
