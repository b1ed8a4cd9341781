package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ReadSecret prints prompt to out and reads one line from in without
// echoing when in is a terminal. Piped input is read as plain text.
func ReadSecret(in *os.File, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return readLine(in)
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// StoreAPIKey saves key for provider in the keychain after a sanity check.
func StoreAPIKey(km *KeyringManager, provider, key string) error {
	if key == "" {
		return fmt.Errorf("api key cannot be empty")
	}
	if !km.IsAvailable() {
		return fmt.Errorf("OS keychain is not available; set the key through the environment instead")
	}
	if (provider == "" || provider == "openai") && !strings.HasPrefix(key, "sk-") {
		return fmt.Errorf("OpenAI API key should start with 'sk-'")
	}
	return km.SaveAPIKey(provider, key)
}
