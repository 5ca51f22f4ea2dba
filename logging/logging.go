// Package logging contains the loggers shared by the edge events SDK, its
// discovery simulator and the command line tools.
package logging

import (
	golog "log"
	"net/http"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/gorilla/handlers"
)

// Logger is a logger that emits structured JSON records on the standard
// error. Library code logs through it so that an embedding application
// can swap the handler or raise the level in a single place.
var Logger = log.Logger{
	Handler: json.New(os.Stderr),
	Level:   log.DebugLevel,
}

// SetLevel changes the level of Logger. Unknown names leave it unchanged
// and return the parse error.
func SetLevel(name string) error {
	level, err := log.ParseLevel(name)
	if err != nil {
		return err
	}
	Logger.Level = level
	return nil
}

// MakeAccessLogHandler wraps |handler| with another handler that logs
// access to each resource on the standard output in the Apache combined
// format used by the discovery simulator.
func MakeAccessLogHandler(handler http.Handler) http.Handler {
	return handlers.LoggingHandler(golog.Writer(), handler)
}
