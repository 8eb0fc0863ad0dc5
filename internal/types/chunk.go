package types

import "time"

// ContentType tags an item inside a chunk delta or a persisted turn.
type ContentType string

const (
	ContentText             ContentType = "text"
	ContentECharts          ContentType = "echarts"
	ContentHTMLTable        ContentType = "html_table"
	ContentFile             ContentType = "file"
	ContentHeartbeat        ContentType = "heartbeat"
	ContentToolDirectAnswer ContentType = "tool_direct_answer"
)

// Delta is the incremental payload inside a chunk choice.
type Delta struct {
	Content string      `json:"content"`
	Type    ContentType `json:"type"`
}

// Choice mirrors the OpenAI chat.completion.chunk choice shape.
type Choice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Chunk is one streaming envelope. Every chunk of a response carries the same
// ID; the final chunk carries FinishReason "stop".
type Chunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// FinishStop is the only finish reason the transport ever emits.
const FinishStop = "stop"

// NewChunk builds a non-terminal chunk for the given response id and model.
func NewChunk(id, model string, typ ContentType, content string) Chunk {
	return Chunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{Index: 0, Delta: Delta{Content: content, Type: typ}}},
	}
}

// NewFinalChunk builds the terminal chunk with finish_reason "stop".
func NewFinalChunk(id, model string, typ ContentType, content string) Chunk {
	stop := FinishStop
	c := NewChunk(id, model, typ, content)
	c.Choices[0].FinishReason = &stop
	return c
}

// IsHeartbeat reports whether the chunk is a keepalive heartbeat.
func (c Chunk) IsHeartbeat() bool {
	return len(c.Choices) == 1 && c.Choices[0].Delta.Type == ContentHeartbeat
}

// IsFinal reports whether the chunk terminates the response.
func (c Chunk) IsFinal() bool {
	return len(c.Choices) == 1 && c.Choices[0].FinishReason != nil
}

// StepStatus tracks a pipeline stage transition.
type StepStatus string

const (
	StepStart     StepStatus = "start"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepEvent is the payload of a pipeline progress chunk. Payload is one of the
// typed per-step payload structs, serialised as JSON.
type StepEvent struct {
	Step    string     `json:"step"`
	Status  StepStatus `json:"status"`
	Message string     `json:"message,omitempty"`
	Payload any        `json:"payload,omitempty"`
}
