// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cloudsql

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

// maxMdxMessageSize bounds the length-prefixed message read from the
// server side of the metadata exchange, guarding against a misbehaving
// peer advertising an unreasonable size.
const maxMdxMessageSize = 16 * 1024

// MetadataExchangeRequest is sent by the client immediately after the mTLS
// handshake completes, when the instance advertises support for the
// preamble. It carries information the server can't otherwise learn from
// the TLS handshake alone.
type MetadataExchangeRequest struct {
	UserAgent string `json:"user_agent"`
	AuthType  string `json:"auth_type"`
}

type metadataExchangeResponse struct {
	ResponseCode string `json:"response_code"`
	Error        string `json:"error,omitempty"`
}

// PerformMetadataExchange writes req to conn as a 4-byte big-endian length
// prefix followed by its JSON encoding, then reads and validates a
// response framed the same way. It returns an error if the server rejects
// the exchange or the connection fails before a response arrives.
func PerformMetadataExchange(conn net.Conn, req MetadataExchangeRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata exchange request: %w", err)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("failed to write metadata exchange request: %w", err)
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
		return fmt.Errorf("failed to read metadata exchange response size: %w", err)
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	if size > maxMdxMessageSize {
		return fmt.Errorf("metadata exchange response too large: %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return fmt.Errorf("failed to read metadata exchange response: %w", err)
	}

	var resp metadataExchangeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to unmarshal metadata exchange response: %w", err)
	}
	if resp.ResponseCode != "OK" {
		return fmt.Errorf("server rejected metadata exchange: %s", resp.Error)
	}
	return nil
}
