package service

import (
	"encoding/json"

	"github.com/guseggert/childproc/channel"
)

// callRequest is sent client->server on the /ws stream. ID is echoed back in the response.
type callRequest struct {
	ID      uint64
	Method  string
	Payload json.RawMessage
}

// callResponse answers one callRequest. Exactly one of Result and Error is set.
// It is also the body of a failed POST /call response, sent with status 422.
type callResponse struct {
	ID     uint64
	Result json.RawMessage    `json:",omitempty"`
	Error  *channel.ErrorInfo `json:",omitempty"`
}

type heartbeatResponse struct {
	Service string
	Uptime  string
}
