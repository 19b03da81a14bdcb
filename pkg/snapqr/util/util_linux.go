package util

import "os/exec"

const defaultEditor = "gedit"

func urlOpenerCommand(link string) *exec.Cmd {
	return exec.Command("xdg-open", link)
}
