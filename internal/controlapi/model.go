package controlapi

import (
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/engine"
)

type CreateEngineResponse struct {
	Handle engine.Handle `json:"handle"`
	State  engine.State  `json:"state"`
}

// StartRequest names the receiver. Omitted fields fall back to the saved
// settings; Remember saves the resolved target on success.
type StartRequest struct {
	IP       *string `json:"ip,omitempty"`
	Port     *int    `json:"port,omitempty"`
	Remember bool    `json:"remember,omitempty"`
}

type ListEnginesResponse struct {
	Engines []engine.Stats `json:"engines"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}
