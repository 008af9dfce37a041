//go:build !windows

package progress

import "os"

// enableWindowsANSI does nothing outside Windows; terminals there speak ANSI.
func enableWindowsANSI(*os.File) {}
