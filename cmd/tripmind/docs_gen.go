package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"

	"github.com/dotsetgreg/tripmind/pkg/bus"
	"github.com/dotsetgreg/tripmind/pkg/config"
	"github.com/dotsetgreg/tripmind/pkg/memory"
	"github.com/dotsetgreg/tripmind/pkg/providers"
)

const (
	cliDocsDir = "reference/cli"
	manDocsDir = "reference/man"
)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate the CLI, config, provider and memory policy reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docsRoot.AddCommand(gen)
	return docsRoot
}

// docSet maps a slash-separated path under the docs root to its content.
type docSet map[string][]byte

func (d docSet) paths() []string {
	out := make([]string, 0, len(d))
	for p := range d {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	docs, err := buildDocSet(rootFactory())
	if err != nil {
		return err
	}
	if checkOnly {
		return checkDocSet(docs, outputDir)
	}
	// Command pages are owned wholesale so renamed commands leave nothing behind.
	for _, dir := range []string{cliDocsDir, manDocsDir} {
		if err := os.RemoveAll(filepath.Join(outputDir, filepath.FromSlash(dir))); err != nil {
			return fmt.Errorf("clear %s: %w", dir, err)
		}
	}
	for _, rel := range docs.paths() {
		path := filepath.Join(outputDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create parent dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(path, docs[rel], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

func checkDocSet(docs docSet, outputDir string) error {
	for _, rel := range docs.paths() {
		got, err := os.ReadFile(filepath.Join(outputDir, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("docs out of date: missing %s", rel)
		}
		if !bytes.Equal(got, docs[rel]) {
			return fmt.Errorf("docs out of date: %s changed; run `tripmind docs generate`", rel)
		}
	}
	for _, dir := range []string{cliDocsDir, manDocsDir} {
		entries, err := os.ReadDir(filepath.Join(outputDir, filepath.FromSlash(dir)))
		if err != nil {
			return fmt.Errorf("docs out of date: missing %s", dir)
		}
		for _, e := range entries {
			if _, ok := docs[dir+"/"+e.Name()]; !ok {
				return fmt.Errorf("docs out of date: stale %s/%s", dir, e.Name())
			}
		}
	}
	return nil
}

func buildDocSet(root *cobra.Command) (docSet, error) {
	docs := docSet{}
	if err := addCommandDocs(docs, root); err != nil {
		return nil, err
	}
	docs["reference/config.md"] = []byte(buildConfigReferenceMarkdown())
	docs["reference/providers.md"] = []byte(buildProvidersReferenceMarkdown())
	docs["reference/memory.md"] = []byte(buildMemoryReferenceMarkdown(memory.DefaultPolicy()))
	return docs, nil
}

func addCommandDocs(docs docSet, cmd *cobra.Command) error {
	if !cmd.IsAvailableCommand() && cmd.HasParent() {
		return nil
	}
	cmd.DisableAutoGenTag = true
	base := strings.ReplaceAll(cmd.CommandPath(), " ", "_")

	var md bytes.Buffer
	fmt.Fprintf(&md, "# %s\n\n", cmd.CommandPath())
	if err := cobraDoc.GenMarkdownCustom(cmd, &md, func(name string) string { return name }); err != nil {
		return fmt.Errorf("markdown for %q: %w", cmd.CommandPath(), err)
	}
	docs[cliDocsDir+"/"+base+".md"] = md.Bytes()

	var man bytes.Buffer
	header := &cobraDoc.GenManHeader{Title: "TRIPMIND", Section: "1", Source: "tripmind"}
	if err := cobraDoc.GenMan(cmd, header, &man); err != nil {
		return fmt.Errorf("man page for %q: %w", cmd.CommandPath(), err)
	}
	docs[manDocsDir+"/"+strings.ReplaceAll(cmd.CommandPath(), " ", "-")+".1"] = man.Bytes()

	for _, child := range cmd.Commands() {
		if err := addCommandDocs(docs, child); err != nil {
			return err
		}
	}
	return nil
}

// buildConfigReferenceMarkdown walks DefaultConfig so each key is listed
// with the value a fresh install actually runs with.
func buildConfigReferenceMarkdown() string {
	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Keys of `config.json`. Every key can be overridden by its environment variable.\n\n")
	b.WriteString("| Key | Type | Env Var | Default |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	walkConfig(reflect.ValueOf(config.DefaultConfig()).Elem(), "", func(key, env string, v reflect.Value) {
		def, _ := json.Marshal(v.Interface())
		fmt.Fprintf(&b, "| `%s` | `%s` | `%s` | `%s` |\n", key, v.Kind(), valueOr(env, "-"), escapePipes(string(def)))
	})
	return b.String()
}

func walkConfig(v reflect.Value, prefix string, visit func(key, env string, v reflect.Value)) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if !f.IsExported() || name == "" || name == "-" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			walkConfig(v.Field(i), name, visit)
			continue
		}
		visit(name, f.Tag.Get("env"), v.Field(i))
	}
}

var providerSummaries = map[string]string{
	providers.ProviderChargram:  "Local character-trigram embedder (384 dims). No network.",
	providers.ProviderHash:      "Local token-hash embedder (256 dims). No network.",
	providers.ProviderLexical:   "Local rule-based classifier using similarity thresholds and an opposition lexicon.",
	providers.ProviderOpenAI:    "OpenAI API. Key from api_key or OPENAI_API_KEY.",
	providers.ProviderAnthropic: "Anthropic Messages API. Key from api_key or ANTHROPIC_API_KEY.",
}

func buildProvidersReferenceMarkdown() string {
	var b strings.Builder
	b.WriteString("# Providers Reference\n\n")
	section := func(title, key string, names []string) {
		fmt.Fprintf(&b, "## %s\n\nSelected by `%s`.\n\n", title, key)
		b.WriteString("| Provider | Summary |\n| --- | --- |\n")
		for _, name := range names {
			fmt.Fprintf(&b, "| `%s` | %s |\n", name, escapePipes(valueOr(providerSummaries[name], "-")))
		}
		b.WriteString("\n")
	}
	section("Embedding", "providers.embedding.provider", providers.SupportedEmbedders())
	section("Classifier", "providers.classifier.provider", providers.SupportedClassifiers())
	return b.String()
}

var decisionSummaries = []struct {
	decision memory.Decision
	alias    string
	summary  string
}{
	{memory.KeepExisting, "existing", "Discard the held statement; the stored memory stands."},
	{memory.KeepNew, "new", "Store the held statement and delete the memory it contradicted."},
	{memory.KeepBoth, "both", "Store the held statement alongside the existing memory."},
}

var eventSummaries = []struct {
	kind    bus.Kind
	summary string
}{
	{bus.ConflictDetected, "A statement contradicted a stored memory and is held for clarification."},
	{bus.ConflictResolved, "The traveller answered a clarification prompt."},
	{bus.CompactionRequested, "A session crossed the compaction threshold and needs summarizing."},
	{bus.MemoriesExpired, "The sweeper purged expired episodic memories."},
}

// buildMemoryReferenceMarkdown documents the memory rules in force under p.
func buildMemoryReferenceMarkdown(p memory.Policy) string {
	var b strings.Builder
	b.WriteString("# Memory Reference\n\n")

	b.WriteString("## Memory types\n\n")
	b.WriteString("| Type | Expires | Recalled |\n| --- | --- | --- |\n")
	epoch := time.Unix(0, 0).UTC()
	for _, t := range []memory.MemoryType{memory.Declarative, memory.Procedural, memory.Episodic} {
		expires := "never"
		if exp := p.ExpiresAt(t, epoch); exp != nil {
			expires = fmt.Sprintf("after %d days", int(exp.Sub(epoch).Hours()/24))
		}
		recalled := "always"
		tagged := memory.Record{Type: t, Context: &memory.ContextTags{Destination: "Lisbon"}}
		if !p.Active(tagged, memory.RecallContext{}) {
			recalled = "only while planning for the same destination"
		}
		fmt.Fprintf(&b, "| `%s` | %s | %s |\n", t, expires, recalled)
	}

	b.WriteString("\n## Policy defaults\n\n")
	b.WriteString("| Setting | Default |\n| --- | --- |\n")
	pv := reflect.ValueOf(p)
	for i := 0; i < pv.NumField(); i++ {
		fmt.Fprintf(&b, "| `%s` | `%v` |\n", pv.Type().Field(i).Name, pv.Field(i).Interface())
	}

	b.WriteString("\n## Conflict decisions\n\n")
	b.WriteString("| Decision | Alias | Effect |\n| --- | --- | --- |\n")
	for _, d := range decisionSummaries {
		fmt.Fprintf(&b, "| `%s` | `%s` | %s |\n", d.decision, d.alias, d.summary)
	}

	b.WriteString("\n## Events\n\n")
	b.WriteString("Streamed as JSON by `tripmind sweep --watch`. Payload fields: ")
	et := reflect.TypeOf(bus.Event{})
	fields := make([]string, 0, et.NumField())
	for i := 0; i < et.NumField(); i++ {
		name, _, _ := strings.Cut(et.Field(i).Tag.Get("json"), ",")
		fields = append(fields, "`"+name+"`")
	}
	b.WriteString(strings.Join(fields, ", ") + ".\n\n")
	b.WriteString("| Kind | Meaning |\n| --- | --- |\n")
	for _, e := range eventSummaries {
		fmt.Fprintf(&b, "| `%s` | %s |\n", e.kind, e.summary)
	}
	return b.String()
}

func escapePipes(v string) string {
	return strings.ReplaceAll(v, "|", "\\|")
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
