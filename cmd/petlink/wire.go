package main

// Frame types exchanged with the reporting server.
const (
	frameDeviceStatus    = "device_status"
	frameCommand         = "command"
	frameCommandResponse = "command_response"
	frameStatusAck       = "status_ack"
)

// StatusReport is the outbound device_status envelope.
type StatusReport struct {
	Type     string      `json:"type"`
	DeviceID string      `json:"device_id"`
	Data     DeltaReport `json:"data"`
}

func newStatusReport(d DeltaReport) StatusReport {
	return StatusReport{
		Type:     frameDeviceStatus,
		DeviceID: d.DeviceID,
		Data:     d,
	}
}

// CommandResponse is the single reply emitted for every command frame.
// Data is only populated by diagnostic commands.
type CommandResponse struct {
	Type     string `json:"type"`
	Command  string `json:"command"`
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	DeviceID string `json:"device_id"`
	Data     any    `json:"data,omitempty"`
}

// StatusAck is the server's acknowledgement of a device_status frame.
type StatusAck struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	DeviceID  string `json:"device_id"`
	Status    string `json:"status"`
}
