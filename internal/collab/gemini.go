package collab

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"autoforge/internal/cycle"
	"autoforge/internal/safety"
)

// GeminiConfig configures the Gemini-backed collaborators.
type GeminiConfig struct {
	APIKey               string
	Model                string
	MaxOutputTokens      int
	TemperatureProposer  float64
	TemperatureImplement float64
}

// DefaultGeminiConfig returns the stock model parameters: a creative
// proposer and a conservative implementer.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:               apiKey,
		Model:                "gemini-2.5-pro",
		MaxOutputTokens:      8192,
		TemperatureProposer:  0.7,
		TemperatureImplement: 0.2,
	}
}

// Gemini implements RepoSummarizer, ProposalGenerator, and
// ChangeImplementer on top of the Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
	reader FileReader
	logger *zap.Logger
}

// FileReader supplies current file contents and a repository listing to the
// implementer so revised files are generated against what actually exists.
type FileReader interface {
	ReadFile(path string) (string, error)
	ListFiles() ([]string, error)
}

// NewGemini creates the Gemini collaborator set.
func NewGemini(ctx context.Context, cfg GeminiConfig, reader FileReader, logger *zap.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-pro"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg, reader: reader, logger: logger}, nil
}

func (g *Gemini) generate(ctx context.Context, op, system, prompt string, temperature float64) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(temperature)),
	}
	if g.cfg.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(g.cfg.MaxOutputTokens)
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, genai.Text(prompt), config)
	if err != nil {
		return "", classifyErr(op, err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", &MalformedOutputError{Op: op, Detail: "empty response"}
	}
	return text, nil
}

const summarizerSystem = `You are a senior engineer producing a concise technical
summary of a codebase for planning purposes. Describe the purpose, main
components, and notable weak points. Be factual and brief.`

// Summarize produces a summary of the repository from its file listing and
// selected file contents.
func (g *Gemini) Summarize(ctx context.Context) (string, error) {
	files, err := g.reader.ListFiles()
	if err != nil {
		return "", fmt.Errorf("failed to list repository files: %w", err)
	}

	var b strings.Builder
	b.WriteString("Repository files:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\nKey file contents:\n")
	budget := 40000
	for _, f := range files {
		if budget <= 0 {
			break
		}
		content, err := g.reader.ReadFile(f)
		if err != nil {
			continue
		}
		if len(content) > budget {
			content = content[:budget]
		}
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", f, content)
		budget -= len(content)
	}

	return g.generate(ctx, "summarize", summarizerSystem,
		"Summarize this repository:\n\n"+b.String(), g.cfg.TemperatureImplement)
}

const proposerSystem = `You are the product lead of a self-improving software
system. You study the current codebase and propose one small, high-value
improvement per cycle.`

// Propose asks for an improvement proposal and parses it into the
// structured form. Unparseable responses are malformed output.
func (g *Gemini) Propose(ctx context.Context, repoContext string) (*cycle.Proposal, error) {
	prompt := fmt.Sprintf(`Product Information:
%s

Based on the above information, analyze the current state and propose an
improvement. Focus on a small area and make sure it is useful to the user.
Provide the output in the following format:

Area for Improvement: <Specific area for improvement>
Rationale: <Why this area is important, detailing the benefit or impact>
Suggested Changes: <How the change can be achieved, providing suggested changes>
Potential Risks: <Potential risks associated with the improvement>
Effort Level: <Estimated level of effort (e.g., Low, Medium, High)>
`, repoContext)

	text, err := g.generate(ctx, "propose", proposerSystem, prompt, g.cfg.TemperatureProposer)
	if err != nil {
		return nil, err
	}

	proposal, err := cycle.ParseProposal(text)
	if err != nil {
		return nil, &MalformedOutputError{Op: "propose", Detail: err.Error()}
	}
	return proposal, nil
}

const implementerSystem = `You are a careful software engineer implementing a
reviewed improvement proposal. You produce complete file contents, never
fragments, and never touch files outside the plan.`

// Implement reviews a proposal into a plan (title, description, file list),
// then generates full contents for each planned file.
func (g *Gemini) Implement(ctx context.Context, proposal *cycle.Proposal) (*ImplementResult, error) {
	plan, err := g.planChanges(ctx, proposal)
	if err != nil {
		return nil, err
	}
	return g.generateFiles(ctx, plan)
}

// Fix revises a rejected changeset given the safety gate's full violation
// list.
func (g *Gemini) Fix(ctx context.Context, prev *ImplementResult, violations []safety.Violation) (*ImplementResult, error) {
	var issues strings.Builder
	for _, v := range violations {
		fmt.Fprintf(&issues, "- %s\n", v.String())
	}

	var files strings.Builder
	for _, e := range prev.ChangeSet.Entries() {
		fmt.Fprintf(&files, "\n--- %s (%s) ---\n%s\n", e.Path, e.Op, e.Content)
	}

	prompt := fmt.Sprintf(`The following changes were rejected by the safety gate.

Pull Request Title: %s
Pull Request Description: %s

Rejected changes:
%s
Safety issues that must all be resolved:
%s
Produce a corrected version of every file. Respond with one block per file
in this exact format, and nothing else:

FILE: <path>
<complete file contents>
END_FILE
`, prev.Title, prev.Description, files.String(), issues.String())

	text, err := g.generate(ctx, "fix", implementerSystem, prompt, g.cfg.TemperatureImplement)
	if err != nil {
		return nil, err
	}

	cs, err := parseFileBlocks(text)
	if err != nil {
		return nil, &MalformedOutputError{Op: "fix", Detail: err.Error()}
	}
	return &ImplementResult{ChangeSet: cs, Title: prev.Title, Description: prev.Description}, nil
}

type changePlan struct {
	title       string
	description string
	files       []string
}

func (g *Gemini) planChanges(ctx context.Context, proposal *cycle.Proposal) (*changePlan, error) {
	prompt := fmt.Sprintf(`Review the following improvement proposal and create a
detailed implementation plan.

Area for Improvement: %s
Rationale: %s
Suggested Changes: %s
Potential Risks: %s
Effort Level: %s

Provide:
1. A clear, concise title for the pull request (max 50 characters)
2. A detailed description of the changes
3. The specific files to modify

Format your response as follows:
TITLE: [your title here]
DESCRIPTION: [your description here]
FILES:
- file1: [reason for change]
- file2: [reason for change]
`, proposal.Area, proposal.Rationale, proposal.SuggestedChanges, proposal.Risk, proposal.Effort)

	text, err := g.generate(ctx, "implement", implementerSystem, prompt, g.cfg.TemperatureImplement)
	if err != nil {
		return nil, err
	}

	plan := parsePlan(text)
	if plan.title == "" || len(plan.files) == 0 {
		return nil, &MalformedOutputError{Op: "implement", Detail: "plan response missing TITLE or FILES section"}
	}
	return plan, nil
}

func (g *Gemini) generateFiles(ctx context.Context, plan *changePlan) (*ImplementResult, error) {
	cs := &cycle.ChangeSet{}
	for _, path := range plan.files {
		current, readErr := g.reader.ReadFile(path)
		op := cycle.OpReplace
		if readErr != nil {
			current = "(new file)"
			op = cycle.OpCreate
		}

		prompt := fmt.Sprintf(`Based on the following pull request details and current
file contents, produce the complete updated file.

Pull Request Title: %s
Pull Request Description: %s

Current filename: %s
Current file contents:
%s

Return ONLY the complete code that should replace the existing file. No
explanations, no markdown formatting, no code fences.`, plan.title, plan.description, path, current)

		text, err := g.generate(ctx, "implement", implementerSystem, prompt, g.cfg.TemperatureImplement)
		if err != nil {
			return nil, err
		}

		if err := cs.Add(cycle.Change{Path: path, Content: stripFences(text), Op: op}); err != nil {
			return nil, &MalformedOutputError{Op: "implement", Detail: err.Error()}
		}
	}
	return &ImplementResult{ChangeSet: cs, Title: plan.title, Description: plan.description}, nil
}

// parsePlan extracts the TITLE/DESCRIPTION/FILES sections.
func parsePlan(text string) *changePlan {
	plan := &changePlan{}
	section := ""
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "TITLE:"):
			section = "title"
			plan.title = strings.TrimSpace(strings.TrimPrefix(line, "TITLE:"))
		case strings.HasPrefix(line, "DESCRIPTION:"):
			section = "description"
			plan.description = strings.TrimSpace(strings.TrimPrefix(line, "DESCRIPTION:"))
		case strings.HasPrefix(line, "FILES:"):
			section = "files"
		case section == "description":
			plan.description += "\n" + line
		case section == "files" && strings.HasPrefix(line, "-"):
			entry := strings.TrimSpace(strings.TrimPrefix(line, "-"))
			if path, _, found := strings.Cut(entry, ":"); found {
				entry = path
			}
			entry = strings.Trim(strings.TrimSpace(entry), "`")
			if entry != "" {
				plan.files = append(plan.files, entry)
			}
		}
	}
	return plan
}

// parseFileBlocks parses the FILE:/END_FILE response format used by Fix.
func parseFileBlocks(text string) (*cycle.ChangeSet, error) {
	cs := &cycle.ChangeSet{}
	lines := strings.Split(text, "\n")
	i := 0
	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "FILE:") {
			i++
			continue
		}
		path := strings.Trim(strings.TrimSpace(strings.TrimPrefix(line, "FILE:")), "`")
		i++
		var body []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != "END_FILE" {
			body = append(body, lines[i])
			i++
		}
		if i >= len(lines) {
			return nil, fmt.Errorf("unterminated FILE block for %s", path)
		}
		i++ // consume END_FILE
		if err := cs.Add(cycle.Change{Path: path, Content: stripFences(strings.Join(body, "\n")), Op: cycle.OpReplace}); err != nil {
			return nil, err
		}
	}
	if cs.Len() == 0 {
		return nil, fmt.Errorf("response contains no FILE blocks")
	}
	return cs, nil
}

// stripFences removes leading/trailing markdown code fences the model adds
// despite instructions.
func stripFences(text string) string {
	lines := strings.Split(text, "\n")
	for len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[0]), "```") {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
