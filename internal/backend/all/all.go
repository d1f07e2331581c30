// Package all registers every backend implementation. Import for side effects.
package all

import (
	_ "github.com/servvia/stackup/internal/backend/exec"
	_ "github.com/servvia/stackup/internal/backend/systemd"
)
