package consumer

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Identity returns the name this process registers in the consumer
// group. Names must be stable across reads within one process lifetime
// but unique across instances, so hostname plus pid does the job; a
// random suffix stands in when the hostname is unavailable.
func Identity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "consumer-" + uuid.NewString()[:8]
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
