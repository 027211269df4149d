package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/OpenCuff/OpenCuff/config"
	"github.com/OpenCuff/OpenCuff/plugins"
	"github.com/OpenCuff/OpenCuff/storage"
)

// isolate keeps settings discovery, logging and the data directory inside a
// temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv(config.DataDirEnvVar, filepath.Join(dir, "data"))
	t.Setenv(config.SettingsEnvVar, "")
	t.Setenv(config.DebugEnvVar, "")
	return dir
}

func writeSettings(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "settings.yml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

const dummySettings = `
version: "1"
plugin_settings:
  live_reload: false
plugins:
  dummy:
    type: in_source
    module: opencuff.plugins.builtin.dummy
    config:
      prefix: "cli: "
  parked:
    type: in_source
    enabled: false
    module: opencuff.plugins.builtin.dummy
`

func run(t *testing.T, in string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(in))
	root.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestSettingsExitCodes(t *testing.T) {
	dir := isolate(t)

	invalid := filepath.Join(dir, "invalid.yml")
	if err := os.WriteFile(invalid, []byte("plugins:\n  p:\n    type: grpc\n"), 0600); err != nil {
		t.Fatal(err)
	}
	malformed := filepath.Join(dir, "malformed.yml")
	if err := os.WriteFile(malformed, []byte("plugins: [\n"), 0600); err != nil {
		t.Fatal(err)
	}
	needsEnv := filepath.Join(dir, "env.yml")
	if err := os.WriteFile(needsEnv, []byte("plugins:\n  p:\n    type: http\n    endpoint: ${CUFF_CLI_UNSET}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv("CUFF_CLI_UNSET")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no settings anywhere", []string{"status"}, ExitSettingsMissing},
		{"missing file", []string{"status", "--config", filepath.Join(dir, "nope.yml")}, ExitSettingsMissing},
		{"missing env var", []string{"status", "--config", needsEnv}, ExitSettingsMissing},
		{"invalid settings", []string{"status", "--config", invalid}, ExitSettingsInvalid},
		{"malformed settings", []string{"tools", "--config", malformed}, ExitSettingsInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, "", tt.args...)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := exitCode(err); got != tt.want {
				t.Errorf("exitCode = %d, want %d (%v)", got, tt.want, err)
			}
		})
	}

	if got := exitCode(nil); got != ExitOK {
		t.Errorf("exitCode(nil) = %d", got)
	}
}

func TestStatusCommand(t *testing.T) {
	dir := isolate(t)
	path := writeSettings(t, dir, dummySettings)

	out, err := run(t, "", "status", "--json", "--config", path)
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}

	var statuses []struct {
		Name  string   `json:"name"`
		Type  string   `json:"type"`
		State string   `json:"state"`
		Tools []string `json:"tools"`
	}
	if err := json.Unmarshal([]byte(out), &statuses); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if len(statuses) != 1 {
		t.Fatalf("got %d plugins, want only the enabled one: %+v", len(statuses), statuses)
	}
	st := statuses[0]
	if st.Name != "dummy" || st.State != plugins.StateActive.String() || len(st.Tools) != 3 {
		t.Errorf("status = %+v", st)
	}

	out, err = run(t, "", "status", "-v", "--config", path)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"PLUGIN", "dummy", "active", "dummy.echo"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestToolsCommand(t *testing.T) {
	dir := isolate(t)
	path := writeSettings(t, dir, dummySettings)

	out, err := run(t, "", "tools", "--json", "--config", path)
	if err != nil {
		t.Fatalf("tools: %v\n%s", err, out)
	}
	var tools []toolInfo
	if err := json.Unmarshal([]byte(out), &tools); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
		if tool.Plugin != "dummy" {
			t.Errorf("%s plugin = %q", tool.Name, tool.Plugin)
		}
	}
	sort.Strings(names)
	if got := strings.Join(names, ","); got != "dummy.add,dummy.echo,dummy.slow" {
		t.Errorf("tools = %q", got)
	}

	out, err = run(t, "", "tools", "echo", "--json", "--config", path)
	if err != nil {
		t.Fatalf("tools echo: %v", err)
	}
	tools = nil
	if err := json.Unmarshal([]byte(out), &tools); err != nil {
		t.Fatal(err)
	}
	if len(tools) != 1 || tools[0].Name != "dummy.echo" {
		t.Errorf("filtered tools = %+v", tools)
	}
}

func TestFilterTools(t *testing.T) {
	entries := []plugins.CatalogEntry{
		{FQN: "build.compile"},
		{FQN: "build.clean"},
		{FQN: "dummy.echo"},
	}

	tests := []struct {
		filter string
		want   []string
	}{
		{"", []string{"build.compile", "build.clean", "dummy.echo"}},
		{"  ", []string{"build.compile", "build.clean", "dummy.echo"}},
		{"echo", []string{"dummy.echo"}},
		{"bcln", []string{"build.clean"}},
		{"zzz", nil},
	}

	for _, tt := range tests {
		var got []string
		for _, e := range filterTools(entries, tt.filter) {
			got = append(got, e.FQN)
		}
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("filterTools(%q) = %v, want %v", tt.filter, got, tt.want)
		}
	}
}

func TestHistoryCommand(t *testing.T) {
	dir := isolate(t)
	dbPath := filepath.Join(dir, "audit", "audit.db")
	path := writeSettings(t, dir, dummySettings+"audit:\n  path: "+dbPath+"\n")

	out, err := run(t, "", "history", "--config", path)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "No history recorded yet.") {
		t.Errorf("empty history output = %q", out)
	}

	store, err := storage.NewAuditStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)
	store.RecordInvocation(ctx, plugins.Invocation{
		FQN:       "dummy.echo",
		Plugin:    "dummy",
		Result:    plugins.Success("hi"),
		StartedAt: started,
		Duration:  3 * time.Millisecond,
	})
	store.RecordInvocation(ctx, plugins.Invocation{
		FQN:       "dummy.add",
		Plugin:    "dummy",
		Result:    plugins.Failure(plugins.ErrToolExecutionFailed, "invalid arguments"),
		StartedAt: started.Add(time.Second),
		Duration:  time.Millisecond,
	})
	store.RecordTransition(ctx, plugins.Transition{Plugin: "dummy", From: plugins.StateUnloaded, To: plugins.StateActive})
	store.Close()

	out, err = run(t, "", "history", "--json", "--config", path)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var records []storage.InvocationRecord
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].FQN != "dummy.add" || records[0].Success || records[0].ErrorCode != string(plugins.ErrToolExecutionFailed) {
		t.Errorf("newest record = %+v", records[0])
	}

	out, err = run(t, "", "history", "--limit", "1", "--config", path)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "dummy.add") || strings.Contains(out, "dummy.echo") {
		t.Errorf("limited table = %q", out)
	}

	out, err = run(t, "", "history", "--events", "--plugin", "dummy", "--config", path)
	if err != nil {
		t.Fatalf("history --events: %v", err)
	}
	if !strings.Contains(out, "unloaded") || !strings.Contains(out, "active") {
		t.Errorf("events table = %q", out)
	}
}

func TestHistoryAuditDisabled(t *testing.T) {
	dir := isolate(t)
	path := writeSettings(t, dir, dummySettings+"audit:\n  disabled: true\n")

	if _, err := run(t, "", "history", "--config", path); err == nil {
		t.Fatal("history should fail when auditing is disabled")
	}
}

func TestInitCommand(t *testing.T) {
	dir := isolate(t)

	for _, name := range []string{"cuff.yml", "cuff.toml"} {
		path := filepath.Join(dir, name)
		out, err := run(t, "", "init", path)
		if err != nil {
			t.Fatalf("init %s: %v", name, err)
		}
		if !strings.Contains(out, path) {
			t.Errorf("init output = %q", out)
		}

		s, err := config.LoadSettings(path)
		if err != nil {
			t.Fatalf("generated %s does not load: %v", name, err)
		}
		if err := s.Validate(); err != nil {
			t.Fatalf("generated %s is invalid: %v", name, err)
		}

		if _, err := run(t, "", "init", path); err == nil {
			t.Errorf("init %s without --force should refuse to overwrite", name)
		}
		if _, err := run(t, "", "init", path, "--force"); err != nil {
			t.Errorf("init %s --force: %v", name, err)
		}
	}

	// The generated file is usable straight away.
	path := filepath.Join(dir, "cuff.yml")
	out, err := run(t, "", "tools", "--json", "--config", path)
	if err != nil {
		t.Fatalf("tools on generated settings: %v\n%s", err, out)
	}
}

func TestInitPath(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		format    string
		formatSet bool
		want      string
		wantErr   bool
	}{
		{"default yaml", nil, "yaml", false, "settings.yml", false},
		{"default toml", nil, "toml", true, "settings.toml", false},
		{"yml alias", nil, "yml", true, "settings.yml", false},
		{"unknown format", nil, "json", true, "", true},
		{"no extension", []string{"conf/cuff"}, "toml", true, "conf/cuff.toml", false},
		{"explicit toml path", []string{"cuff.toml"}, "yaml", false, "cuff.toml", false},
		{"explicit yaml path", []string{"cuff.yaml"}, "yaml", true, "cuff.yaml", false},
		{"format disagrees", []string{"cuff.yml"}, "toml", true, "", true},
		{"format disagrees toml", []string{"cuff.toml"}, "yaml", true, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := initPath(tt.args, tt.format, tt.formatSet)
			switch {
			case tt.wantErr && err == nil:
				t.Fatalf("initPath = %q, want error", got)
			case !tt.wantErr && err != nil:
				t.Fatalf("initPath: %v", err)
			case got != tt.want:
				t.Errorf("initPath = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPluginServeCommand(t *testing.T) {
	isolate(t)

	requests := strings.Join([]string{
		`{"type":"initialize","config":{"prefix":"> "}}`,
		`{"type":"get_tools"}`,
		`{"type":"call_tool","tool_name":"echo","arguments":{"message":"hi"}}`,
		`{"type":"call_tool","tool_name":"add","arguments":{"a":2,"b":3}}`,
		`{"type":"shutdown"}`,
	}, "\n") + "\n"

	out, err := run(t, requests, "plugin", "serve", "--module", "opencuff.plugins.builtin.dummy")
	if err != nil {
		t.Fatalf("plugin serve: %v\n%s", err, out)
	}

	type reply struct {
		Type  string `json:"type"`
		Data  any    `json:"data"`
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	var replies []reply
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var r reply
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("invalid reply %q: %v", scanner.Text(), err)
		}
		replies = append(replies, r)
	}
	if len(replies) != 5 {
		t.Fatalf("got %d replies, want 5:\n%s", len(replies), out)
	}
	if len(replies[1].Tools) != 3 {
		t.Errorf("get_tools = %+v", replies[1])
	}
	if replies[2].Data != "> hi" {
		t.Errorf("echo = %v", replies[2].Data)
	}
	if replies[3].Data != float64(5) {
		t.Errorf("add = %v", replies[3].Data)
	}
	if replies[4].Type != plugins.MsgShutdownResponse {
		t.Errorf("last reply = %q", replies[4].Type)
	}
}

func TestPluginServeUnknownModule(t *testing.T) {
	isolate(t)
	if _, err := run(t, "", "plugin", "serve", "--module", "opencuff.plugins.nope"); err == nil {
		t.Fatal("unknown module should fail")
	}
	if _, err := run(t, "", "plugin", "serve", "--module", "os.exec"); err == nil {
		t.Fatal("module outside the namespace should fail")
	}
}

func TestPluginListAndVersion(t *testing.T) {
	isolate(t)

	out, err := run(t, "", "plugin", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "opencuff.plugins.builtin.dummy") {
		t.Errorf("plugin list = %q", out)
	}

	out, err = run(t, "", "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "cuff "+plugins.Version) {
		t.Errorf("version = %q", out)
	}
}

func TestRenderTable(t *testing.T) {
	long := strings.Repeat("x", maxCellWidth+20)
	out := renderTable(
		[]column{{title: "NAME"}, {title: "NOTE"}},
		[][]string{
			{"a", "short"},
			{"longer-name", long},
			{"b"},
		},
	)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines:\n%s", len(lines), out)
	}
	if want := "a" + strings.Repeat(" ", len("longer-name")-1+2) + "short"; lines[1] != want {
		t.Errorf("first column not padded: %q", lines[1])
	}
	if strings.Contains(out, long) {
		t.Error("long cell was not truncated")
	}
	if !strings.Contains(lines[2], "...") {
		t.Errorf("truncated cell lacks ellipsis: %q", lines[2])
	}
	if strings.TrimSpace(lines[3]) != "b" {
		t.Errorf("missing cells should render empty: %q", lines[3])
	}
}

func TestDoctorCommand(t *testing.T) {
	dir := isolate(t)

	pluginBin := filepath.Join(dir, "build-plugin")
	if err := os.WriteFile(pluginBin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	workDir := filepath.Join(dir, "work")
	if err := os.Mkdir(workDir, 0700); err != nil {
		t.Fatal(err)
	}

	healthy := writeSettings(t, dir, `
plugins:
  dummy:
    type: in_source
    module: opencuff.plugins.builtin.dummy
  build:
    type: process
    command: `+pluginBin+`
    process_settings:
      dir: `+workDir+`
`)

	out, err := run(t, "", "doctor", "--json", "--config", healthy)
	if err != nil {
		t.Fatalf("doctor on healthy settings: %v\n%s", err, out)
	}
	var report doctorOutput
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if report.Failed != 0 || report.Passed == 0 {
		t.Errorf("report = %+v", report)
	}

	broken := filepath.Join(dir, "broken.yml")
	body := `
plugins:
  ghost:
    type: in_source
    module: opencuff.plugins.builtin.ghost
  build:
    type: process
    command: ./missing-plugin
    process_settings:
      dir: ` + filepath.Join(dir, "nowhere") + `
  pigeon:
    type: carrier-pigeon
  parked:
    type: in_source
    enabled: false
    module: opencuff.plugins.builtin.ghost
`
	if err := os.WriteFile(broken, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	out, err = run(t, "", "doctor", "--json", "--config", broken)
	if err == nil {
		t.Fatalf("doctor passed broken settings:\n%s", out)
	}
	if got := exitCode(err); got != 1 {
		t.Errorf("exitCode = %d, want 1", got)
	}
	report = doctorOutput{}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}

	failed := map[string]bool{}
	for _, c := range report.Checks {
		if !c.Passed {
			failed[c.Name] = true
		}
	}
	for _, want := range []string{"plugin ghost module", "plugin build dir", "plugin build command", "plugin pigeon"} {
		if !failed[want] {
			t.Errorf("check %q did not fail; report = %+v", want, report.Checks)
		}
	}
	for name := range failed {
		if strings.Contains(name, "parked") {
			t.Errorf("disabled plugin was checked: %s", name)
		}
	}

	out, err = run(t, "", "doctor", "--config", broken)
	if err == nil {
		t.Fatal("table mode should fail as well")
	}
	for _, want := range []string{"CHECK", "fail", "not built in: opencuff.plugins.builtin.ghost", "failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestDoctorMissingSettings(t *testing.T) {
	dir := isolate(t)

	out, err := run(t, "", "doctor", "--json", "--config", filepath.Join(dir, "absent.yml"))
	if exitCode(err) != 1 {
		t.Fatalf("exitCode = %d (%v), want 1", exitCode(err), err)
	}
	var report doctorOutput
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if len(report.Checks) != 1 || report.Checks[0].Name != "settings file" || report.Checks[0].Passed {
		t.Errorf("report = %+v", report)
	}

	malformed := filepath.Join(dir, "malformed.yml")
	if err := os.WriteFile(malformed, []byte("plugins: [\n"), 0600); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, "", "doctor", "--json", "--config", malformed)
	if err == nil {
		t.Fatal("malformed settings should fail")
	}
	report = doctorOutput{}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 || report.Checks[len(report.Checks)-1].Name != "settings syntax" {
		t.Errorf("report = %+v", report)
	}
}
