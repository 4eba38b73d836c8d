//go:build !unix

package security

import "os"

// Locking is advisory; platforms without flock run unlocked.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
