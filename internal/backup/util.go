package backup

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateBackupID generates a unique identity backup ID
func GenerateBackupID() string {
	return fmt.Sprintf("identity_%d_%s", time.Now().UTC().Unix(), uuid.NewString()[:8])
}
