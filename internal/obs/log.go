package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

var (
	logOnce sync.Once
	logOut  *log.Logger
)

// Logger returns the process-wide JSON-line logger. Request logs and
// audit events all go through this single writer, so tests can swap the
// output in one place.
func Logger() *log.Logger {
	logOnce.Do(func() {
		logOut = log.New(os.Stdout, "", 0)
	})
	return logOut
}

// LogRequest marshals the entry as one JSON line. A non-serializable
// entry is reported as a fixed line rather than dropped silently.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"log entry not serializable"}`)
		return
	}
	Logger().Println(string(data))
}
