package tunnel

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/udmo/udmo/bridge"
)

const (
	moshServerEnv = "MOSH_SERVER"
	moshClientEnv = "MOSH_CLIENT"
)

// LaunchMoshServer starts mosh-server bound to loopback, parses the
// MOSH CONNECT line, and returns a bridge connected to the advertised
// port along with the application key to relay inside the sealed
// handshake response.
func LaunchMoshServer() (*bridge.Local, string, error) {
	bin := os.Getenv(moshServerEnv)
	if bin == "" {
		bin = "mosh-server"
	}
	out, err := exec.Command(bin, "new", "-i", "127.0.0.1", "-p", "0").Output()
	if err != nil {
		return nil, "", fmt.Errorf("run %s: %w", bin, err)
	}

	port, key, err := parseMoshConnect(string(out))
	if err != nil {
		return nil, "", err
	}

	conn, err := net.DialUDP("udp",
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)},
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return nil, "", fmt.Errorf("dial mosh-server port: %w", err)
	}
	return bridge.NewConnected(conn), key, nil
}

func parseMoshConnect(output string) (int, string, error) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "MOSH CONNECT") {
			continue
		}
		words := strings.Fields(line)
		if len(words) < 4 {
			return 0, "", fmt.Errorf("malformed MOSH CONNECT line %q", line)
		}
		port, err := strconv.Atoi(words[2])
		if err != nil || port <= 0 || port > 65535 {
			return 0, "", fmt.Errorf("bad port in MOSH CONNECT line %q", line)
		}
		return port, words[3], nil
	}
	return 0, "", fmt.Errorf("no MOSH CONNECT line in mosh-server output")
}

// LaunchMoshClient starts mosh-client aimed at the bridge's loopback
// address, passing the relayed application key through the
// environment. The returned channel fires when the process exits.
func LaunchMoshClient(local *net.UDPAddr, appKey string) (<-chan error, error) {
	bin := os.Getenv(moshClientEnv)
	if bin == "" {
		bin = "mosh-client"
	}
	cmd := exec.Command(bin, "127.0.0.1", strconv.Itoa(local.Port))
	cmd.Env = append(os.Environ(), "MOSH_KEY="+appKey)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	return done, nil
}
