// octobot-askpass is the git credential helper used by the daemon's git
// subprocesses.
//
// git invokes it via GIT_ASKPASS with the credential prompt as argument. For
// a password prompt matching the configured host the token from the
// environment is printed, for everything else a sentinel string, git then
// fails fast instead of waiting for interactive input.
package main

import (
	"fmt"
	"os"
	"regexp"
)

var promptRe = regexp.MustCompile(`Password for '.*@(.*)'`)

func main() {
	token := os.Getenv("OCTOBOT_PASS")
	if token == "" {
		fmt.Fprintln(os.Stderr, "ERROR: OCTOBOT_PASS is not set")
		os.Exit(1)
	}

	host := os.Getenv("OCTOBOT_HOST")
	if host == "" {
		fmt.Fprintln(os.Stderr, "ERROR: OCTOBOT_HOST is not set")
		os.Exit(1)
	}

	var prompt string
	if len(os.Args) > 1 {
		prompt = os.Args[1]
	}

	var promptHost string
	if m := promptRe.FindStringSubmatch(prompt); m != nil {
		promptHost = m[1]
	}

	if promptHost != host {
		fmt.Println("this is the wrong password")
		return
	}

	fmt.Println(token)
}
