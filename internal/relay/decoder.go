package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobrelay/internal/job"
	logx "jobrelay/pkg/logx"
)

// Decoder turns raw engine messages into status updates. It never fails
// loudly: anything it cannot use is logged and reported as no update.
type Decoder struct {
	log logx.Logger

	// Poison floods would otherwise drown the log.
	warn       *rate.Limiter
	suppressed atomic.Uint64
	rejected   atomic.Uint64
}

func NewDecoder(log logx.Logger) *Decoder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Decoder{log: log, warn: rate.NewLimiter(rate.Every(time.Second), 20)}
}

// Decode returns the update carried by raw, or false when raw is empty,
// malformed or does not match the engine's schema.
func (d *Decoder) Decode(kind job.EngineKind, raw []byte) (u job.StatusUpdate, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.reject(kind, raw, fmt.Errorf("decoder panic: %v", r))
			u, ok = job.StatusUpdate{}, false
		}
	}()

	if len(bytes.TrimSpace(raw)) == 0 {
		d.reject(kind, raw, fmt.Errorf("empty message"))
		return job.StatusUpdate{}, false
	}

	var err error
	switch kind {
	case job.EngineGeneric:
		u, err = decodeGeneric(raw)
	case job.EngineSciml:
		u, err = decodeSciml(raw)
	case job.EnginePyciemss:
		u, err = decodePyciemss(raw)
	default:
		err = fmt.Errorf("unknown engine kind %q", kind)
	}
	if err == nil && strings.TrimSpace(u.JobID) == "" {
		err = fmt.Errorf("missing job id")
	}
	if err != nil {
		d.reject(kind, raw, err)
		return job.StatusUpdate{}, false
	}
	u.ReceivedAt = time.Now()
	return u, true
}

// Rejected counts messages decoded to nothing.
func (d *Decoder) Rejected() uint64 { return d.rejected.Load() }

func (d *Decoder) reject(kind job.EngineKind, raw []byte, err error) {
	d.rejected.Add(1)
	if !d.warn.Allow() {
		d.suppressed.Add(1)
		return
	}
	fields := []logx.Field{
		logx.Engine(string(kind)),
		logx.Int("bytes", len(raw)),
		logx.Err(err),
	}
	if n := d.suppressed.Swap(0); n > 0 {
		fields = append(fields, logx.Uint64("suppressed", n))
	}
	d.log.Warn("dropping undecodable status message", fields...)
}

type genericMessage struct {
	JobID     string          `json:"jobId"`
	Payload   json.RawMessage `json:"payload"`
	Error     json.RawMessage `json:"error"`
	Completed bool            `json:"completed"`
}

func decodeGeneric(raw []byte) (job.StatusUpdate, error) {
	var m genericMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return job.StatusUpdate{}, err
	}
	return job.StatusUpdate{
		JobID:     m.JobID,
		Payload:   m.Payload,
		Error:     errorText(m.Error),
		Completed: m.Completed,
	}, nil
}

// sciml progress documents carry the full intermediate result; the whole
// document is kept as the payload.
type scimlMessage struct {
	ID        string          `json:"id"`
	Loss      *float64        `json:"loss"`
	Iter      *int64          `json:"iter"`
	Params    json.RawMessage `json:"params"`
	SolData   json.RawMessage `json:"solData"`
	Timesteps json.RawMessage `json:"timesteps"`
	Completed bool            `json:"completed"`
	Error     json.RawMessage `json:"error"`
}

func decodeSciml(raw []byte) (job.StatusUpdate, error) {
	var m scimlMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return job.StatusUpdate{}, err
	}
	return job.StatusUpdate{
		JobID:     m.ID,
		Payload:   append(json.RawMessage(nil), raw...),
		Error:     errorText(m.Error),
		Completed: m.Completed,
	}, nil
}

type pyciemssMessage struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Error  json.RawMessage `json:"error"`
}

func decodePyciemss(raw []byte) (job.StatusUpdate, error) {
	var m pyciemssMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return job.StatusUpdate{}, err
	}
	u := job.StatusUpdate{
		JobID:   m.JobID,
		Payload: append(json.RawMessage(nil), raw...),
		Error:   errorText(m.Error),
	}
	if m.Status != "" {
		st, err := job.ParseStatus(m.Status)
		if err != nil {
			return job.StatusUpdate{}, err
		}
		switch st {
		case job.StatusComplete:
			u.Completed = true
		case job.StatusFailed, job.StatusCancelled:
			if u.Error == "" {
				u.Error = strings.ToLower(string(st))
			}
		}
	}
	return u, nil
}

// errorText accepts a string, null or any other JSON value for an error field.
func errorText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("false")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
