package util

import "os/exec"

const defaultEditor = "notepad.exe"

// rundll32 keeps the link away from cmd.exe metacharacter parsing (& in query strings).
func urlOpenerCommand(link string) *exec.Cmd {
	return exec.Command("rundll32", "url.dll,FileProtocolHandler", link)
}
