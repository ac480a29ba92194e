package stage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/stagehand/internal/artifact"
	"github.com/Iron-Ham/stagehand/internal/logging"
	"github.com/Iron-Ham/stagehand/internal/plan"
	"github.com/Iron-Ham/stagehand/internal/util"
)

// PreviewRunes bounds each artifact preview in a summary section.
const PreviewRunes = 500

const defaultChaptersPrefix = "chapters"

// Legacy placeholders substituted in initial messages.
var legacyPlaceholders = []string{"{book_token}", "{artifact_root}"}

// TemplateData is the data an initial message template is executed with.
type TemplateData struct {
	JobID        string
	ArtifactRoot string
	Title        string
	Language     string
	Stage        plan.StageDefinition
}

func languageRule(lang string) string {
	if lang == "" {
		return "Write all output, including folder and file names, in the same language as the user request in the context below."
	}
	return fmt.Sprintf("Write all output, including folder and file names, in %s.", lang)
}

// directive assembles a worker's system prompt.
func (e *Executor) directive(instructions string, reads []string) string {
	parts := []string{languageRule(e.cfg.Plan.Language)}
	if s := strings.TrimSpace(instructions); s != "" {
		parts = append(parts, s)
	}
	parts = append(parts,
		"# Target\nartifact_root: "+e.cfg.JobID,
		"# Current Context\n"+e.cfg.Context.Serialize(reads...),
	)
	return strings.Join(parts, "\n\n")
}

// render executes an initial message template. A message that fails to
// parse or execute is used verbatim.
func (e *Executor) render(msg string, s plan.StageDefinition, log *logging.Logger) string {
	for _, ph := range legacyPlaceholders {
		msg = strings.ReplaceAll(msg, ph, e.cfg.JobID)
	}
	if !strings.Contains(msg, "{{") {
		return msg
	}

	tmpl, err := template.New(s.Name).
		Option("missingkey=zero").
		Funcs(template.FuncMap{"section": e.section}).
		Parse(msg)
	if err != nil {
		log.Warn("initial message is not a valid template", "error", err.Error())
		return msg
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, TemplateData{
		JobID:        e.cfg.JobID,
		ArtifactRoot: e.cfg.JobID,
		Title:        e.cfg.Plan.Title,
		Language:     e.cfg.Plan.Language,
		Stage:        s,
	})
	if err != nil {
		log.Warn("initial message template failed", "error", err.Error())
		return msg
	}
	return buf.String()
}

// section is the template function reading a shared-context section.
// Unknown sections render empty.
func (e *Executor) section(name string) string {
	v, err := e.cfg.Context.Read(name)
	if err != nil {
		return ""
	}
	return v
}

func (e *Executor) summaryPattern(s plan.StageDefinition) string {
	if s.SummaryGlob != "" {
		return s.SummaryGlob
	}
	prefix := strings.Trim(e.cfg.Plan.FilePaths["chapters_prefix"], "/")
	if prefix == "" {
		prefix = defaultChaptersPrefix
	}
	return prefix + "/**"
}

// summarizeArtifacts replaces the stage's summary section with previews of
// the artifacts matching its pattern. Failures are logged and skipped.
func (e *Executor) summarizeArtifacts(ctx context.Context, s plan.StageDefinition, log *logging.Logger) {
	if e.cfg.Store == nil || s.SummarySection == "" {
		return
	}
	pattern := e.summaryPattern(s)
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		log.Warn("invalid summary pattern", "pattern", pattern, "error", err.Error())
		return
	}
	nodes, err := e.cfg.Store.GetStructure(ctx, e.cfg.JobID)
	if err != nil {
		log.Warn("artifact summary skipped", "error", err.Error())
		return
	}

	var previews []string
	for _, p := range artifact.FlattenPaths(nodes) {
		if !g.Match(p) {
			continue
		}
		content, err := e.cfg.Store.ReadArtifact(ctx, e.cfg.JobID, p)
		if err != nil {
			log.Warn("artifact not readable", "path", p, "error", err.Error())
			continue
		}
		previews = append(previews, "### "+p+"\n"+preview(content))
	}
	if len(previews) == 0 {
		return
	}
	if err := e.cfg.Context.Write(s.SummarySection, strings.Join(previews, "\n\n")); err != nil {
		log.Warn("artifact summary not stored", "section", s.SummarySection, "error", err.Error())
		return
	}
	log.Debug("artifact summary stored", "section", s.SummarySection, "artifacts", len(previews))
}

func preview(content string) string {
	if head := util.Head(content, PreviewRunes); head != content {
		return strings.TrimSpace(head) + util.Ellipsis
	}
	return strings.TrimSpace(content)
}
