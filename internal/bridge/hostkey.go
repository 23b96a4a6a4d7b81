package bridge

import (
	"errors"
	"fmt"
	"log"
	"net"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyCallback returns the host key policy for outbound connections.
// With an empty path every host key is accepted. Otherwise keys are checked
// against the known_hosts file, and unknown hosts are rejected along with
// mismatched ones.
func HostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		log.Printf("[bridge] WARNING: host key verification disabled; set SSHBRIDGE_KNOWN_HOSTS to enable it")
		return ssh.InsecureIgnoreHostKey(), nil // #nosec G106 -- opt-in via configuration
	}

	check, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", knownHostsPath, err)
	}
	log.Printf("[bridge] verifying host keys against %s", knownHostsPath)

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			if len(keyErr.Want) == 0 {
				return fmt.Errorf("host key for %s is not in known_hosts", hostname)
			}
			return fmt.Errorf("host key mismatch for %s (%s)", hostname, ssh.FingerprintSHA256(key))
		}
		return err
	}, nil
}
