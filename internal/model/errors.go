package model

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigError reports malformed city configuration data.
type ConfigError struct {
	Path   string
	Row    int // 1-based data row; 0 when the error concerns the header
	Column string
	Err    error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config error")
	if e.Path != "" {
		fmt.Fprintf(&b, " in %s", e.Path)
	}
	if e.Row > 0 {
		fmt.Fprintf(&b, " row %d", e.Row)
	}
	if e.Column != "" {
		fmt.Fprintf(&b, " column %q", e.Column)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NotFoundError reports a missing city, working folder or input layer.
type NotFoundError struct {
	What string
	Path string
}

func (e *NotFoundError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s not found", e.What)
	}
	return fmt.Sprintf("%s not found: %s", e.What, e.Path)
}

// ProjectionError reports a failed reprojection. The pipeline logs it and
// keeps going.
type ProjectionError struct {
	Layer    string
	Messages []string
	Err      error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("project %s: %s", e.Layer, diagnostics(e.Messages, e.Err))
}

func (e *ProjectionError) Unwrap() error {
	return e.Err
}

// EngineError reports any other geometry engine failure, carrying the
// engine's own diagnostic messages.
type EngineError struct {
	Op       string
	Messages []string
	Err      error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %s", e.Op, diagnostics(e.Messages, e.Err))
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func diagnostics(msgs []string, err error) string {
	if len(msgs) > 0 {
		return strings.Join(msgs, "; ")
	}
	if err != nil {
		return err.Error()
	}
	return "unknown error"
}

// IsConfig reports whether err contains a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err contains a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsProjection reports whether err contains a ProjectionError.
func IsProjection(err error) bool {
	var pe *ProjectionError
	return errors.As(err, &pe)
}

// IsEngine reports whether err contains an EngineError.
func IsEngine(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}
