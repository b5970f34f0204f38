package safety

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/autoforge-systems/forgeloop/coreengine/config"
	"github.com/autoforge-systems/forgeloop/coreengine/task"
)

// =============================================================================
// Static Scanner
// =============================================================================

// StaticResult is the output of one static scan.
type StaticResult struct {
	// Findings carries every flagged construct. Any high-severity finding
	// denies the artifact.
	Findings []task.Finding `json:"findings"`
	// Capabilities lists capabilities that require human approval before
	// the artifact may execute.
	Capabilities []string `json:"capabilities,omitempty"`
}

// Denied reports whether the scan produced a deny-class finding.
func (r *StaticResult) Denied() bool {
	for _, f := range r.Findings {
		if f.Severity == task.SeverityHigh {
			return true
		}
	}
	return false
}

// Deny-class Go import paths. Dynamic loading and raw pointer arithmetic
// have no legitimate use in generated task code.
var goDenyImports = []string{"plugin", "unsafe"}

// Go import paths that grant network or process capabilities.
var goApprovalImports = map[string]string{
	"net":       CapabilityNetwork,
	"net/http":  CapabilityNetwork,
	"os/exec":   CapabilityProcess,
	"syscall":   CapabilityProcess,
	"os/signal": CapabilityProcess,
}

// StaticScanner parses generated source into a syntax tree and walks it,
// flagging denylisted calls and imports, capabilities that require
// approval, and file access that escapes the workspace root.
//
// The scan is pure and deterministic. Tree-sitter parsers are created
// per call, so concurrent scans are safe.
type StaticScanner struct {
	denyCalls       []string
	denyImports     []string
	approvalCalls   []string
	approvalImports []string
	logger          Logger
}

// NewStaticScanner creates a StaticScanner from the safety configuration.
func NewStaticScanner(cfg config.SafetyConfig, logger Logger) *StaticScanner {
	if logger == nil {
		logger = nopLogger{}
	}
	return &StaticScanner{
		denyCalls:       cfg.DenylistedCalls,
		denyImports:     cfg.DenylistedImports,
		approvalCalls:   cfg.ApprovalCalls,
		approvalImports: cfg.ApprovalImports,
		logger:          logger,
	}
}

// Scan analyzes the artifact's source and tests. A parse failure or an
// unsupported artifact language yields a deny-class finding rather than an
// error: a malformed artifact is unsafe, not an infrastructure fault.
func (s *StaticScanner) Scan(ctx context.Context, artifact *task.Artifact, workspaceRoot string) (*StaticResult, error) {
	if artifact == nil {
		return nil, fmt.Errorf("safety: artifact is required")
	}

	result := &StaticResult{}
	caps := map[string]struct{}{}

	units := []string{artifact.Source}
	if artifact.Tests != "" {
		units = append(units, artifact.Tests)
	}
	for _, source := range units {
		if err := s.scanUnit(ctx, source, artifact.Language, workspaceRoot, result, caps); err != nil {
			return nil, err
		}
	}

	for c := range caps {
		result.Capabilities = append(result.Capabilities, c)
	}
	sort.Strings(result.Capabilities)

	s.logger.Info("static_scan_completed",
		"language", artifact.Language,
		"finding_count", len(result.Findings),
		"capability_count", len(result.Capabilities),
		"denied", result.Denied(),
	)
	return result, nil
}

func (s *StaticScanner) scanUnit(ctx context.Context, source, language, workspaceRoot string, result *StaticResult, caps map[string]struct{}) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var lang *sitter.Language
	switch language {
	case "python":
		lang = python.GetLanguage()
	case "go":
		lang = golang.GetLanguage()
	default:
		result.Findings = append(result.Findings, task.Finding{
			Source:   task.FindingSourceStaticScanner,
			Severity: task.SeverityHigh,
			Rule:     "unsupported_language",
			Message:  fmt.Sprintf("cannot analyze artifacts in language %q", language),
		})
		return nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, []byte(source))
	if err != nil {
		return fmt.Errorf("safety: parse %s: %w", language, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		result.Findings = append(result.Findings, task.Finding{
			Source:   task.FindingSourceStaticScanner,
			Severity: task.SeverityHigh,
			Rule:     "parse_failure",
			Message:  "artifact does not parse; malformed source is denied",
		})
		return nil
	}

	src := []byte(source)
	s.walk(root, src, language, workspaceRoot, result, caps)
	return nil
}

// walk recursively visits every node. The scan is syntactic: unreachable
// branches are scanned like any other code.
func (s *StaticScanner) walk(node *sitter.Node, source []byte, language, workspaceRoot string, result *StaticResult, caps map[string]struct{}) {
	if node == nil {
		return
	}
	switch language {
	case "python":
		s.matchPython(node, source, workspaceRoot, result, caps)
	case "go":
		s.matchGo(node, source, result, caps)
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		s.walk(node.Child(i), source, language, workspaceRoot, result, caps)
	}
}

func (s *StaticScanner) matchPython(node *sitter.Node, source []byte, workspaceRoot string, result *StaticResult, caps map[string]struct{}) {
	switch node.Type() {
	case "call":
		funcName := pythonCallName(node, source)
		if funcName == "" {
			return
		}
		line := int(node.StartPoint().Row) + 1
		if matchesExact(funcName, s.denyCalls) {
			result.Findings = append(result.Findings, task.Finding{
				Source:   task.FindingSourceStaticScanner,
				Severity: task.SeverityHigh,
				Rule:     "denylisted_call",
				Message:  fmt.Sprintf("call to denylisted operation %s()", funcName),
				Line:     line,
			})
		}
		if matchesPattern(funcName, s.approvalCalls) {
			caps[classifyCapability(funcName)] = struct{}{}
			result.Findings = append(result.Findings, task.Finding{
				Source:   task.FindingSourceStaticScanner,
				Severity: task.SeverityMedium,
				Rule:     "approval_required_call",
				Message:  fmt.Sprintf("%s() requires human approval before execution", funcName),
				Line:     line,
			})
		}
		if funcName == "open" {
			if escaped, p := openEscapesWorkspace(node, source, workspaceRoot); escaped {
				result.Findings = append(result.Findings, task.Finding{
					Source:   task.FindingSourceStaticScanner,
					Severity: task.SeverityHigh,
					Rule:     "workspace_escape",
					Message:  fmt.Sprintf("file access outside workspace: %s", p),
					Line:     line,
				})
			}
		}
	case "import_statement", "import_from_statement":
		for _, module := range pythonImportModules(node, source) {
			line := int(node.StartPoint().Row) + 1
			rootModule := module
			if i := strings.Index(module, "."); i > 0 {
				rootModule = module[:i]
			}
			if matchesExact(rootModule, s.denyImports) {
				result.Findings = append(result.Findings, task.Finding{
					Source:   task.FindingSourceStaticScanner,
					Severity: task.SeverityHigh,
					Rule:     "denylisted_import",
					Message:  fmt.Sprintf("import of denylisted module %s", module),
					Line:     line,
				})
			}
			if matchesExact(rootModule, s.approvalImports) {
				caps[classifyCapability(rootModule)] = struct{}{}
				result.Findings = append(result.Findings, task.Finding{
					Source:   task.FindingSourceStaticScanner,
					Severity: task.SeverityMedium,
					Rule:     "approval_required_import",
					Message:  fmt.Sprintf("import of %s requires human approval", module),
					Line:     line,
				})
			}
		}
	}
}

func (s *StaticScanner) matchGo(node *sitter.Node, source []byte, result *StaticResult, caps map[string]struct{}) {
	switch node.Type() {
	case "call_expression":
		funcNode := node.ChildByFieldName("function")
		if funcNode == nil {
			return
		}
		funcName := string(source[funcNode.StartByte():funcNode.EndByte()])
		line := int(node.StartPoint().Row) + 1
		if matchesExact(funcName, s.denyCalls) {
			result.Findings = append(result.Findings, task.Finding{
				Source:   task.FindingSourceStaticScanner,
				Severity: task.SeverityHigh,
				Rule:     "denylisted_call",
				Message:  fmt.Sprintf("call to denylisted operation %s()", funcName),
				Line:     line,
			})
		}
		if matchesPattern(funcName, s.approvalCalls) {
			caps[classifyCapability(funcName)] = struct{}{}
			result.Findings = append(result.Findings, task.Finding{
				Source:   task.FindingSourceStaticScanner,
				Severity: task.SeverityMedium,
				Rule:     "approval_required_call",
				Message:  fmt.Sprintf("%s() requires human approval before execution", funcName),
				Line:     line,
			})
		}
	case "import_spec":
		pathNode := node.ChildByFieldName("path")
		if pathNode == nil {
			return
		}
		importPath := strings.Trim(string(source[pathNode.StartByte():pathNode.EndByte()]), "`\"")
		line := int(node.StartPoint().Row) + 1
		if matchesExact(importPath, goDenyImports) {
			result.Findings = append(result.Findings, task.Finding{
				Source:   task.FindingSourceStaticScanner,
				Severity: task.SeverityHigh,
				Rule:     "denylisted_import",
				Message:  fmt.Sprintf("import of denylisted package %s", importPath),
				Line:     line,
			})
		}
		if capability, ok := goApprovalImports[importPath]; ok {
			caps[capability] = struct{}{}
			result.Findings = append(result.Findings, task.Finding{
				Source:   task.FindingSourceStaticScanner,
				Severity: task.SeverityMedium,
				Rule:     "approval_required_import",
				Message:  fmt.Sprintf("import of %s requires human approval", importPath),
				Line:     line,
			})
		}
	}
}

// pythonCallName extracts the dotted function name of a call node, e.g.
// "eval" or "subprocess.run".
func pythonCallName(node *sitter.Node, source []byte) string {
	funcNode := node.ChildByFieldName("function")
	if funcNode == nil {
		return ""
	}
	switch funcNode.Type() {
	case "identifier", "attribute":
		return string(source[funcNode.StartByte():funcNode.EndByte()])
	}
	return ""
}

// pythonImportModules extracts the dotted module names of an import node.
func pythonImportModules(node *sitter.Node, source []byte) []string {
	var modules []string
	if node.Type() == "import_from_statement" {
		if m := node.ChildByFieldName("module_name"); m != nil {
			modules = append(modules, string(source[m.StartByte():m.EndByte()]))
		}
		return modules
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "dotted_name":
			modules = append(modules, string(source[child.StartByte():child.EndByte()]))
		case "aliased_import":
			if name := child.ChildByFieldName("name"); name != nil {
				modules = append(modules, string(source[name.StartByte():name.EndByte()]))
			}
		}
	}
	return modules
}

// openEscapesWorkspace checks whether an open() call's first argument is a
// string literal resolving outside the workspace root. Non-literal paths
// cannot be decided statically and pass through to the sandbox boundary.
func openEscapesWorkspace(node *sitter.Node, source []byte, workspaceRoot string) (bool, string) {
	args := node.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() == 0 {
		return false, ""
	}
	first := args.NamedChild(0)
	if first.Type() != "string" {
		return false, ""
	}
	raw := string(source[first.StartByte():first.EndByte()])
	p := strings.Trim(raw, `"'`)
	if p == "" {
		return false, ""
	}
	if strings.HasPrefix(p, "/") {
		cleaned := path.Clean(p)
		if cleaned != workspaceRoot && !strings.HasPrefix(cleaned, strings.TrimSuffix(workspaceRoot, "/")+"/") {
			return true, p
		}
	}
	if strings.Contains(p, "..") {
		return true, p
	}
	return false, ""
}

// matchesExact reports whether name equals an entry, or its final dotted
// segment does (so builtins.eval matches eval).
func matchesExact(name string, entries []string) bool {
	last := name
	if i := strings.LastIndex(name, "."); i >= 0 {
		last = name[i+1:]
	}
	for _, e := range entries {
		if name == e || last == e {
			return true
		}
	}
	return false
}

// matchesPattern supports trailing-wildcard entries such as "subprocess.*".
func matchesPattern(name string, patterns []string) bool {
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, ".*"); ok {
			if name == prefix || strings.HasPrefix(name, prefix+".") {
				return true
			}
			continue
		}
		if name == p {
			return true
		}
	}
	return false
}

// classifyCapability maps a flagged call or module to the capability the
// approval gate presents to the operator.
func classifyCapability(name string) string {
	switch {
	case strings.HasPrefix(name, "subprocess") ||
		strings.HasPrefix(name, "os.") ||
		strings.HasPrefix(name, "os/exec") ||
		strings.HasPrefix(name, "syscall") ||
		name == "os":
		return CapabilityProcess
	case strings.HasPrefix(name, "pip") || strings.HasPrefix(name, "importlib"):
		return CapabilityDependency
	default:
		return CapabilityNetwork
	}
}
