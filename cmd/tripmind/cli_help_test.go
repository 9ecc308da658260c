package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/tripmind/pkg/memory"
)

func TestCLIHelp(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "root_help",
			args: []string{"--help"},
			want: []string{"remember", "recall", "suggest", "conflicts", "resolve", "compaction", "shell", "--tenant"},
		},
		{
			name: "compaction_help",
			args: []string{"compaction", "--help"},
			want: []string{"check", "ack"},
		},
		{
			name: "remember_help",
			args: []string{"remember", "--help"},
			want: []string{"--facet", "--destination", "--type"},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			stdout, _, err := runRootCommandForTest(tc.args...)
			if err != nil {
				t.Fatalf("execute command %v: %v\nOutput:\n%s", tc.args, err, stdout)
			}
			for _, w := range tc.want {
				if !strings.Contains(stdout, w) {
					t.Fatalf("help for %v missing %q:\n%s", tc.args, w, stdout)
				}
			}
		})
	}
}

func TestCLIRequiresSubcommand(t *testing.T) {
	_, _, err := runRootCommandForTest()
	require.Error(t, err)

	out, _, err := runRootCommandForTest("--version")
	require.NoError(t, err)
	assert.Contains(t, out, "tripmind dev")
}

func TestCLIMemoryLifecycle(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRIPMIND_WORKSPACE", filepath.Join(dir, "workspace"))
	cfgPath := filepath.Join(dir, "config.json")
	base := []string{"--config", cfgPath, "--tenant", "acme", "--user", "alice"}
	run := func(args ...string) string {
		t.Helper()
		out, stderr, err := runRootCommandForTest(append(append([]string{}, args...), base...)...)
		require.NoError(t, err, "args %v\nstderr:\n%s", args, stderr)
		return out
	}

	var stored memory.StoreOutcome
	require.NoError(t, json.Unmarshal([]byte(run("remember", "I am vegetarian", "--facet", "category=dietary")), &stored))
	require.NotNil(t, stored.Stored)

	var held memory.StoreOutcome
	require.NoError(t, json.Unmarshal([]byte(run("remember", "I love steak", "--facet", "category=dietary")), &held))
	require.NotNil(t, held.Conflict)
	assert.Equal(t, stored.Stored.ID, held.Conflict.ExistingID)

	var pending []memory.Conflict
	require.NoError(t, json.Unmarshal([]byte(run("conflicts")), &pending))
	require.Len(t, pending, 1)

	var kept memory.Record
	require.NoError(t, json.Unmarshal([]byte(run("resolve", pending[0].ID, "new")), &kept))
	assert.Equal(t, "I love steak", kept.Text)

	var recalled []memory.Record
	require.NoError(t, json.Unmarshal([]byte(run("recall")), &recalled))
	require.Len(t, recalled, 1)
	assert.Equal(t, "I love steak", recalled[0].Text)

	var d memory.CompactionDecision
	require.NoError(t, json.Unmarshal([]byte(run("compaction", "check", "cli:alice", "10")), &d))
	assert.True(t, d.Requested)
	assert.Equal(t, 10, d.Boundary)

	assert.Contains(t, run("sweep"), "Purged 0")
}

func TestCLIValidation(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRIPMIND_WORKSPACE", filepath.Join(dir, "workspace"))
	cfgPath := filepath.Join(dir, "config.json")

	_, _, err := runRootCommandForTest("recall", "--config", cfgPath, "--user", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--user")

	_, _, err = runRootCommandForTest("feedback", "abc", "--config", cfgPath, "--user", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--accept")

	_, _, err = runRootCommandForTest("remember", "x", "--facet", "nokey", "--config", cfgPath, "--user", "alice")
	require.Error(t, err)
}

func TestShellHandle(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRIPMIND_WORKSPACE", filepath.Join(dir, "workspace"))
	t.Setenv("TRIPMIND_MEMORY_COMPACTION_THRESHOLD", "2")
	opts := &globalOptions{configPath: filepath.Join(dir, "config.json"), tenant: "acme", user: "alice"}

	svc, _, err := openService(t.Context(), opts, false, nil)
	require.NoError(t, err)
	defer svc.Close()

	st := &shellState{svc: svc, ident: memory.Identity{TenantID: "acme", UserID: "alice"}, session: "cli:alice"}
	ctx := t.Context()

	out, done := st.handle(ctx, "/dest Kyoto")
	assert.False(t, done)
	assert.Contains(t, out, "Kyoto")

	out, _ = st.handle(ctx, "I am vegetarian.")
	assert.Contains(t, out, "remembered: I am vegetarian")

	out, _ = st.handle(ctx, "Honestly I love steak.")
	assert.Contains(t, out, "compaction requested through turn 2")

	out, _ = st.handle(ctx, "/conflicts")
	assert.NotContains(t, out, "no pending conflicts")

	out, _ = st.handle(ctx, "/compacted")
	assert.Contains(t, out, "turn 2")

	out, _ = st.handle(ctx, "/bogus")
	assert.Contains(t, out, "Unknown command")

	_, done = st.handle(ctx, "/quit")
	assert.True(t, done)
}

func TestSimpleInteractiveModeEOF(t *testing.T) {
	var out bytes.Buffer
	simpleInteractiveMode(t.Context(), strings.NewReader(""), &out, &shellState{})
	assert.Contains(t, out.String(), "Goodbye!")
}

func TestDocsGenerateAndCheck(t *testing.T) {
	outDir := t.TempDir()
	factory := func() *cobra.Command { return buildRootCommand(false) }
	require.NoError(t, generateDocumentation(factory, outDir, false))
	require.NoError(t, generateDocumentation(factory, outDir, true))

	configRef, err := os.ReadFile(filepath.Join(outDir, "reference", "config.md"))
	require.NoError(t, err)
	assert.Contains(t, string(configRef), "TRIPMIND_MEMORY_MAX_SUGGESTIONS")

	providersRef, err := os.ReadFile(filepath.Join(outDir, "reference", "providers.md"))
	require.NoError(t, err)
	assert.Contains(t, string(providersRef), "`anthropic`")

	memoryRef, err := os.ReadFile(filepath.Join(outDir, "reference", "memory.md"))
	require.NoError(t, err)
	assert.Contains(t, string(memoryRef), "| `episodic` | after 90 days | only while planning for the same destination |")
	assert.Contains(t, string(memoryRef), "| `declarative` | never | always |")
	assert.Contains(t, string(memoryRef), "`conflict.detected`")
	assert.Contains(t, string(memoryRef), "`keep_both` | `both`")

	_, err = os.Stat(filepath.Join(outDir, "reference", "cli", "tripmind_compaction_check.md"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(outDir, "reference", "man", "tripmind-remember.1"))
	require.NoError(t, err)

	stale := filepath.Join(outDir, "reference", "cli", "tripmind_gateway.md")
	require.NoError(t, os.WriteFile(stale, []byte("# tripmind gateway\n"), 0o644))
	err = generateDocumentation(factory, outDir, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale")
	require.NoError(t, generateDocumentation(factory, outDir, false))
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(filepath.Join(outDir, "reference", "config.md"), []byte("stale"), 0o644))
	assert.Error(t, generateDocumentation(factory, outDir, true))
}

func runRootCommandForTest(args ...string) (string, string, error) {
	root := buildRootCommand(false)
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}
