// Package transport implements the coordinator/worker wire protocol: JSON
// messages over a framed, ordered, reliable connection (reference transport
// is WebSocket), the pool share code, and the coordinator HTTP/WS server and
// worker client built on top.
package transport

import "encoding/json"

// MessageType is the required `type` discriminator on every wire message.
type MessageType string

const (
	// Inbound to coordinator.
	MsgJoinCollective    MessageType = "JOIN_COLLECTIVE"
	MsgTaskResult        MessageType = "TASK_RESULT"
	MsgTaskFailed        MessageType = "TASK_FAILED"
	MsgTaskProgress      MessageType = "TASK_PROGRESS"
	MsgCapabilityUpdate  MessageType = "CAPABILITY_UPDATE"
	MsgHeartbeat         MessageType = "HEARTBEAT"
	MsgGradientSubmit    MessageType = "GRADIENT_SUBMIT"
	MsgWeightSyncRequest MessageType = "WEIGHT_SYNC_REQUEST"
	MsgTrainingReady     MessageType = "TRAINING_READY"

	// Outbound from coordinator.
	MsgAuthRequired    MessageType = "AUTH_REQUIRED"
	MsgCollectiveJoined MessageType = "COLLECTIVE_JOINED"
	MsgTaskAssignment  MessageType = "TASK_ASSIGNMENT"
	MsgDeviceJoined    MessageType = "DEVICE_JOINED"
	MsgDeviceLeft      MessageType = "DEVICE_LEFT"
	MsgHeartbeatAck    MessageType = "HEARTBEAT_ACK"
	MsgTrainingStart   MessageType = "TRAINING_START"
	MsgTrainingBatch   MessageType = "TRAINING_BATCH"
	MsgWeightUpdate    MessageType = "WEIGHT_UPDATE"
	MsgWeightSync      MessageType = "WEIGHT_SYNC"
	MsgTrainingState   MessageType = "TRAINING_STATE"
	MsgTrainingPaused  MessageType = "TRAINING_PAUSED"
	MsgTrainingResumed MessageType = "TRAINING_RESUMED"
	MsgTrainingStopped MessageType = "TRAINING_STOPPED"
)

// Close codes (spec §6).
const (
	CloseInvalidFormat    = 4000
	CloseInvalidSecret    = 4001
	CloseHeartbeatTimeout = 4002
	CloseServerShutdown   = 1001
)

// Envelope is the minimal shape every inbound message must satisfy: a type
// tag plus the raw remainder, deferred-decoded once the type is known.
type Envelope struct {
	Type MessageType     `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the type tag and keeps the full payload for a
// second, type-directed decode.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	e.Type = head.Type
	e.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// --- Inbound payloads ---

type JoinCollective struct {
	Type        MessageType `json:"type"`
	Secret      string      `json:"secret"`
	DeviceName  string      `json:"deviceName"`
	Capability  string      `json:"capability"`
	Model       string      `json:"model"`
}

type TaskResult struct {
	Type    MessageType     `json:"type"`
	TaskID  string          `json:"task_id"`
	Result  json.RawMessage `json:"result"`
	Latency float64         `json:"latency"`
}

type TaskFailed struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id"`
	Error  string      `json:"error"`
}

type TaskProgress struct {
	Type     MessageType     `json:"type"`
	TaskID   string          `json:"task_id"`
	Progress float64         `json:"progress"`
	Partial  json.RawMessage `json:"partial"`
}

type CapabilityUpdate struct {
	Type       MessageType `json:"type"`
	Capability string      `json:"capability"`
}

type Heartbeat struct {
	Type MessageType `json:"type"`
}

type GradientSubmit struct {
	Type          MessageType     `json:"type"`
	TaskID        string          `json:"taskId"`
	Gradients     json.RawMessage `json:"gradients"`
	Loss          float64         `json:"loss"`
	BatchSize     int             `json:"batchSize"`
	WeightVersion int64           `json:"weightVersion"`
	ComputeTime   float64         `json:"computeTime"`
}

type WeightSyncRequest struct {
	Type MessageType `json:"type"`
}

type TrainingReady struct {
	Type MessageType `json:"type"`
}

// --- Outbound payloads ---

type AuthRequired struct {
	Type     MessageType `json:"type"`
	PoolName string      `json:"poolName"`
}

type CollectiveJoined struct {
	Type         MessageType `json:"type"`
	WorkerID     string      `json:"worker_id"`
	PoolName     string      `json:"poolName"`
	TotalDevices int         `json:"totalDevices"`
	Config       any         `json:"config"`
}

type TaskAssignment struct {
	Type    MessageType `json:"type"`
	TaskID  string      `json:"task_id"`
	TaskType string     `json:"task_type"`
	Payload any         `json:"payload"`
	Timeout float64     `json:"timeout"`
}

type DeviceJoined struct {
	Type     MessageType `json:"type"`
	WorkerID string      `json:"worker_id"`
	Name     string      `json:"name"`
}

type DeviceLeft struct {
	Type     MessageType `json:"type"`
	WorkerID string      `json:"worker_id"`
	Reason   string      `json:"reason"`
}

type HeartbeatAck struct {
	Type MessageType `json:"type"`
}

type TrainingStart struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type TrainingBatch struct {
	Type          MessageType `json:"type"`
	TaskID        string      `json:"taskId"`
	Batch         any         `json:"batch"`
	WeightVersion int64       `json:"weightVersion"`
	Step          int64       `json:"step"`
	Config        TrainingBatchConfig `json:"config"`
}

type TrainingBatchConfig struct {
	LearningRate              float64 `json:"learningRate"`
	GradientAccumulationSteps int     `json:"gradientAccumulationSteps"`
}

type WeightUpdate struct {
	Type          MessageType `json:"type"`
	WeightVersion int64       `json:"weightVersion"`
	Step          int64       `json:"step"`
}

type WeightSync struct {
	Type          MessageType `json:"type"`
	WeightVersion int64       `json:"weightVersion"`
}

type TrainingState struct {
	Type  MessageType `json:"type"`
	State string      `json:"state"`
}

type TrainingPaused struct {
	Type MessageType `json:"type"`
}

type TrainingResumed struct {
	Type MessageType `json:"type"`
}

type TrainingStopped struct {
	Type MessageType `json:"type"`
}

// StatusResponse is the body of GET /status (spec §6).
type StatusResponse struct {
	Status      string `json:"status"`
	Pool        string `json:"pool"`
	Devices     int    `json:"devices"`
	QueuedTasks int    `json:"queuedTasks"`
}
