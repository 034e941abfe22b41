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
	"net"
	"testing"
)

func TestPerformMetadataExchange_Success(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		var sizeBuf [4]byte
		if _, err := server.Read(sizeBuf[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(sizeBuf[:])
		body := make([]byte, size)
		if _, err := server.Read(body); err != nil {
			return
		}
		resp := []byte(`{"response_code":"OK"}`)
		out := make([]byte, 4+len(resp))
		binary.BigEndian.PutUint32(out, uint32(len(resp)))
		copy(out[4:], resp)
		server.Write(out)
	}()

	err := PerformMetadataExchange(client, MetadataExchangeRequest{UserAgent: "test/1.0", AuthType: "PASSWORD"})
	if err != nil {
		t.Fatalf("PerformMetadataExchange: %v", err)
	}
}

func TestPerformMetadataExchange_ServerRejects(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		var sizeBuf [4]byte
		if _, err := server.Read(sizeBuf[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(sizeBuf[:])
		body := make([]byte, size)
		if _, err := server.Read(body); err != nil {
			return
		}
		resp := []byte(`{"response_code":"FAILED","error":"invalid auth type"}`)
		out := make([]byte, 4+len(resp))
		binary.BigEndian.PutUint32(out, uint32(len(resp)))
		copy(out[4:], resp)
		server.Write(out)
	}()

	err := PerformMetadataExchange(client, MetadataExchangeRequest{UserAgent: "test/1.0", AuthType: "IAM"})
	if err == nil {
		t.Fatal("expected an error when the server rejects the exchange")
	}
}
