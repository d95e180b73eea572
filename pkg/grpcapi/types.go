package grpcapi

import (
	"github.com/psaab/xdplb/pkg/control"
	"github.com/psaab/xdplb/pkg/logging"
)

type backendList struct {
	Backends []control.Backend `json:"backends"`
	Count    int               `json:"count"`
}

type eventList struct {
	Events []logging.EventRecord `json:"events"`
	Count  int                   `json:"count"`
}

type setBackendsRequest struct {
	ListenPort uint32   `json:"listen_port"`
	Ports      []uint16 `json:"ports"`
	Source     string   `json:"source,omitempty"`
}

type simulateRequest struct {
	ListenPort uint32 `json:"listen_port"`
	Count      int    `json:"count,omitempty"`
}

type eventsRequest struct {
	Limit      int    `json:"limit,omitempty"`
	Type       string `json:"type,omitempty"`
	ListenPort uint16 `json:"listen_port,omitempty"`
}
