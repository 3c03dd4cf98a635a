//go:build e2e

package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/syncd/internal/connector"
	"github.com/hyperengineering/syncd/internal/types"
	"github.com/hyperengineering/syncd/pkg/client"
)

// syncdServer manages a running syncd process.
type syncdServer struct {
	cmd      *exec.Cmd
	dataDir  string
	dropRoot string
	port     int
	logFile  *os.File
	env      []string
}

// startSyncd launches the binary with a filedrop connector rooted in a fresh
// data directory and waits for it to become healthy. syncd is configured
// entirely via environment variables here.
func startSyncd(t *testing.T, extraEnv ...string) *syncdServer {
	t.Helper()
	if syncdBin == "" {
		t.Skip("syncd binary not available (set SYNCD_BIN or add to PATH)")
	}

	dataDir := t.TempDir()
	s := &syncdServer{
		dataDir:  dataDir,
		dropRoot: filepath.Join(dataDir, "drop"),
		port:     freePort(t),
	}
	s.env = append([]string{
		fmt.Sprintf("SYNCD_PORT=%d", s.port),
		"SYNCD_DB_PATH=" + filepath.Join(dataDir, "syncd.db"),
		"SYNCD_FILEDROP_ROOT=" + s.dropRoot,
		"SYNCD_CONFIG_PATH=" + filepath.Join(dataDir, "nonexistent.yaml"),
		"SYNCD_ENV_FILE=" + filepath.Join(dataDir, "nonexistent.env"),
		"SYNCD_TICK_INTERVAL=200ms",
		"SYNCD_LOG_LEVEL=debug",
	}, extraEnv...)

	lf, err := os.Create(filepath.Join(dataDir, "syncd.log"))
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	s.logFile = lf
	t.Cleanup(func() {
		s.stop()
		lf.Close()
		if t.Failed() {
			if data, err := os.ReadFile(lf.Name()); err == nil {
				t.Logf("syncd log:\n%s", data)
			}
		}
	})

	s.start(t)
	return s
}

func (s *syncdServer) start(t *testing.T) {
	t.Helper()
	cmd := exec.Command(syncdBin)
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Stdout = s.logFile
	cmd.Stderr = s.logFile
	if err := cmd.Start(); err != nil {
		t.Fatalf("start syncd: %v", err)
	}
	s.cmd = cmd

	if err := s.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("syncd not healthy: %v", err)
	}
}

// stop sends SIGINT and waits for a graceful exit.
func (s *syncdServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
		s.cmd = nil
	}
}

// kill terminates the process without a graceful shutdown.
func (s *syncdServer) kill() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
		s.cmd = nil
	}
}

// restart brings the server back up on the same data directory.
func (s *syncdServer) restart(t *testing.T) {
	t.Helper()
	s.start(t)
}

func (s *syncdServer) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.port)
}

func (s *syncdServer) client(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.New(s.baseURL())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return c
}

func (s *syncdServer) waitHealthy(timeout time.Duration) error {
	c, err := client.New(s.baseURL())
	if err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		h, err := c.Health(ctx)
		cancel()
		if err == nil && h.Status == "healthy" {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timed out after %s", timeout)
}

// seed writes n source records for a system and data type.
func (s *syncdServer) seed(t *testing.T, system, dataType string, n int) {
	t.Helper()
	path := filepath.Join(s.dropRoot, system, dataType+".jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := 0; i < n; i++ {
		rec := connector.Record{
			ID: fmt.Sprintf("R-%06d", i),
			Fields: map[string]types.Value{
				"prop_id": types.StringValue(fmt.Sprintf("R-%06d", i)),
				"acreage": types.NumberValue(float64(i%10) + 0.5),
			},
		}
		if err := enc.Encode(rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

// loadedLines counts the records appended to a target file.
func (s *syncdServer) loadedLines(t *testing.T, system, dataType string) int {
	t.Helper()
	f, err := os.Open(filepath.Join(s.dropRoot, system, dataType+".jsonl"))
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatalf("open target: %v", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

// waitForStatus polls until the operation reaches want or the timeout passes.
func waitForStatus(t *testing.T, c *client.Client, id string, want types.OperationStatus, timeout time.Duration) *client.Operation {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last *client.Operation
	for time.Now().Before(deadline) {
		op, err := c.Get(context.Background(), id)
		if err == nil {
			last = op
			if op.Status == want {
				return op
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	if last != nil {
		t.Fatalf("operation %s: status %q after %s, want %q", id, last.Status, timeout, want)
	}
	t.Fatalf("operation %s: not found within %s", id, timeout)
	return nil
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
