package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/smazurov/camsession/internal/config"
)

var resultLine = regexp.MustCompile(`^result  seq=(\d+)\s+frame=(\d+)`)

func TestRunSimulationDispatchOrder(t *testing.T) {
	var out bytes.Buffer
	err := RunSimulation(context.Background(), &out, SimulateOptions{
		Frames:  6,
		FlushAt: -1,
		Hang:    -1,
		Timeout: 20 * time.Second,
	})
	if err != nil {
		t.Fatalf("RunSimulation: %v\n%s", err, out.String())
	}

	var seqs []int
	for _, line := range strings.Split(out.String(), "\n") {
		m := resultLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		seq, _ := strconv.Atoi(m[1])
		seqs = append(seqs, seq)
	}
	// The built-in session targets three pipelines per frame.
	if len(seqs) != 18 {
		t.Fatalf("results = %d, want 18\n%s", len(seqs), out.String())
	}
	for i, seq := range seqs {
		if seq != i {
			t.Fatalf("result %d has sequence %d", i, seq)
		}
	}
	if !strings.Contains(out.String(), "links synchronized") {
		t.Errorf("real-time pipelines were not synchronized:\n%s", out.String())
	}
}

func TestRunSimulationHungPipelineDumpTOML(t *testing.T) {
	var out bytes.Buffer
	err := RunSimulation(context.Background(), &out, SimulateOptions{
		Frames:   3,
		FlushAt:  -1,
		Hang:     1,
		DumpTOML: true,
		Timeout:  20 * time.Second,
	})
	if err != nil {
		t.Fatalf("RunSimulation: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "pipeline tele hung") {
		t.Errorf("missing hang line:\n%s", text)
	}
	// The hung pipeline's requests are forced to errors by the flush.
	if !strings.Contains(text, "pipeline=1 buffers=1 error=") {
		t.Errorf("no forced error result for the hung pipeline:\n%s", text)
	}
	// TOML keys match the JSON status served by the API.
	for _, key := range []string{"live_pending = ", "[[pipelines]]", "stream_status = ", "exposure_time = "} {
		if !strings.Contains(text, key) {
			t.Errorf("TOML status missing %q:\n%s", key, text)
		}
	}
	if strings.Contains(text, "LivePending") {
		t.Errorf("TOML status uses Go field names:\n%s", text)
	}
}

func TestValidateConfigCmd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.toml")

	cmd := CreateValidateConfigCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--write-default", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("write default: %v", err)
	}

	cmd = CreateValidateConfigCmd()
	out.Reset()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "ok, 3 pipelines") {
		t.Errorf("output = %q", out.String())
	}

	bad := config.DefaultSessionFile()
	bad.Pipelines[1].Name = bad.Pipelines[0].Name
	bad.Pipelines[2].ErrorRate = 2
	badPath := filepath.Join(dir, "bad.toml")
	if err := bad.Save(badPath); err != nil {
		t.Fatalf("save: %v", err)
	}
	cmd = CreateValidateConfigCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{badPath})
	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"duplicate name", "error_rate"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoadSessionFileOrDefault(t *testing.T) {
	f, found, err := LoadSessionFileOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil || found {
		t.Fatalf("missing file: found=%v err=%v", found, err)
	}
	if len(f.Pipelines) != len(config.DefaultSessionFile().Pipelines) {
		t.Error("missing file did not fall back to the built-in session")
	}

	path := filepath.Join(t.TempDir(), "broken.toml")
	if err := os.WriteFile(path, []byte("pipelines = 3"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadSessionFileOrDefault(path); err == nil {
		t.Error("broken file accepted")
	}
}
