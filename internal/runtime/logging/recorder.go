package logging

import "sync"

// Entry is a single log line captured by a Recorder.
type Entry struct {
	Level   string
	Message string
	Fields  LogFields
	Err     error
}

// Recorder is a concurrency-safe ServiceLogger that keeps every entry in
// memory. It is meant for tests and diagnostics.
type Recorder struct {
	mu      *sync.Mutex
	entries *[]Entry
	fields  LogFields
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

// Entries returns a copy of the recorded entries, including entries written
// through loggers derived with With.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(*r.entries))
	copy(out, *r.entries)
	return out
}

// Filter returns the recorded entries at the given level.
func (r *Recorder) Filter(level string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) With(fields LogFields) ServiceLogger {
	return &Recorder{mu: r.mu, entries: r.entries, fields: merge(r.fields, fields)}
}

func (r *Recorder) Debug(msg string, fields LogFields) { r.add("debug", msg, fields, nil) }
func (r *Recorder) Info(msg string, fields LogFields)  { r.add("info", msg, fields, nil) }
func (r *Recorder) Trace(msg string, fields LogFields) { r.add("trace", msg, fields, nil) }

func (r *Recorder) Warn(msg string, err error, fields LogFields) {
	r.add("warn", msg, fields, err)
}

func (r *Recorder) Error(msg string, err error, fields LogFields) {
	r.add("error", msg, fields, err)
}

func (r *Recorder) add(level, msg string, fields LogFields, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.entries = append(*r.entries, Entry{Level: level, Message: msg, Fields: merge(r.fields, fields), Err: err})
}

func merge(a, b LogFields) LogFields {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(LogFields, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
