package log

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// callerKey carries the slog record's call site through the logrus entry.
const callerKey = "\x00caller"

const defaultTimeFormat = "2006-01-02 15:04:05.000"

type formatter struct {
	pattern string
	time    string
}

// Format supports %time, %level, %field, %msg, %caller, %func and %goroutine.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	layout := f.time
	if layout == "" {
		layout = defaultTimeFormat
	}
	frame, _ := entry.Data[callerKey].(runtime.Frame)

	output := f.pattern
	output = strings.Replace(output, "%time", entry.Time.Format(layout), 1)
	output = strings.Replace(output, "%level", entry.Level.String(), 1)
	output = strings.Replace(output, "%field", buildFields(entry), 1)
	output = strings.Replace(output, "%msg", entry.Message, 1)
	output = strings.Replace(output, "%caller", getCaller(frame), 1)
	output = strings.Replace(output, "%func", getFunc(frame), 1)
	output = strings.Replace(output, "%goroutine", getGoroutineID(), 1)
	return []byte(output), nil
}

// getCaller returns package/file.go:line.
func getCaller(frame runtime.Frame) string {
	if frame.File == "" {
		return "unknown"
	}
	pkg := "unknown"
	if fn := frame.Function; fn != "" {
		fn = fn[strings.LastIndex(fn, "/")+1:]
		if dot := strings.Index(fn, "."); dot > 0 {
			pkg = fn[:dot]
		}
	}
	return fmt.Sprintf("%s/%s:%d", pkg, filepath.Base(frame.File), frame.Line)
}

func getFunc(frame runtime.Frame) string {
	if frame.Function == "" {
		return "unknown"
	}
	return frame.Function[strings.LastIndex(frame.Function, ".")+1:]
}

func getGoroutineID() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	stack := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if idField := strings.Fields(stack); len(idField) > 0 {
		return idField[0]
	}
	return "unknown"
}

// buildFields renders entry data as k=v pairs in key order.
func buildFields(entry *logrus.Entry) string {
	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		if key != callerKey {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, key := range keys {
		var s string
		switch v := entry.Data[key].(type) {
		case string:
			s = v
		case time.Duration:
			s = v.String()
		case error:
			s = v.Error()
		default:
			s = fmt.Sprint(v)
		}
		fields = append(fields, key+"="+s)
	}
	return strings.Join(fields, ",")
}
