package hostshim

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"hostbridge/cli/internal/hostctx"
)

// Console is the extension's process console. Output goes to whatever sink
// the runtime context currently has installed.
type Console struct {
	runtime *hostctx.Context
}

func (c *Console) Log(args ...any) { c.write(slog.LevelInfo, args) }
func (c *Console) Info(args ...any) { c.write(slog.LevelInfo, args) }
func (c *Console) Warn(args ...any) { c.write(slog.LevelWarn, args) }
func (c *Console) Error(args ...any) { c.write(slog.LevelError, args) }
func (c *Console) Debug(args ...any) { c.write(slog.LevelDebug, args) }

func (c *Console) write(level slog.Level, args []any) {
	if c == nil || c.runtime == nil {
		return
	}
	c.runtime.Console().Write(level, formatArgs(args))
}

func formatArgs(args []any) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		switch v := a.(type) {
		case string:
			parts = append(parts, v)
		case error:
			parts = append(parts, v.Error())
		case fmt.Stringer:
			parts = append(parts, v.String())
		default:
			b, err := json.Marshal(v)
			if err != nil {
				parts = append(parts, fmt.Sprint(v))
				continue
			}
			parts = append(parts, string(b))
		}
	}
	return strings.Join(parts, " ")
}
