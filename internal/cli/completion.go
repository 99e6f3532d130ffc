package cli

import (
	"fmt"
	"slices"
	"strings"
	"text/template"

	"github.com/alecthomas/kong"
	"github.com/samber/lo"

	"github.com/vburojevic/traced/internal/domain"
)

// CompletionCmd generates shell completions
type CompletionCmd struct {
	Shell string `arg:"" enum:"bash,zsh,fish" help:"Shell type (bash, zsh, fish)"`
}

type completionNode struct {
	Subcommands []string
	Flags       []string
}

// completionIndex is keyed by command path joined with "__" ("" is the root).
type completionIndex struct {
	Nodes      map[string]completionNode
	EnumByFlag map[string][]string
	KnownPaths []string
}

// Run executes the completion command. The kong model drives the output so
// completions never drift from the real command tree.
func (c *CompletionCmd) Run(globals *Globals, ctx *kong.Context) error {
	var model *kong.Node
	if ctx != nil && ctx.Model != nil {
		model = ctx.Model.Node
	}
	idx := buildCompletionIndex(model)

	tmpl := completionTemplates.Lookup(c.Shell)
	if tmpl == nil {
		return fmt.Errorf("unsupported shell: %s", c.Shell)
	}
	return tmpl.Execute(globals.Stdout, idx.script())
}

func buildCompletionIndex(model *kong.Node) completionIndex {
	idx := completionIndex{
		Nodes:      map[string]completionNode{},
		EnumByFlag: map[string][]string{},
	}
	if model != nil {
		idx.walk(model, nil)
	}
	idx.addEnum([]string{"--events", "-e"}, lo.Map(domain.EventTypes, func(e domain.EventType, _ int) string {
		return string(e)
	}))

	if _, ok := idx.Nodes[""]; !ok {
		idx.Nodes[""] = completionNode{}
	}
	idx.KnownPaths = sortedKeys(idx.Nodes)
	return idx
}

func (idx *completionIndex) walk(n *kong.Node, path []string) {
	children := lo.Filter(n.Children, func(child *kong.Node, _ int) bool {
		return child != nil && child.Type == kong.CommandNode && !child.Hidden
	})

	var sub []string
	for _, child := range children {
		sub = append(sub, child.Name)
		sub = append(sub, child.Aliases...)
	}

	var flags []string
	for _, group := range n.AllFlags(true) {
		for _, f := range group {
			if f == nil {
				continue
			}
			tokens := flagCompletionTokens(f)
			flags = append(flags, tokens...)
			if f.Enum != "" {
				idx.addEnum(tokens, strings.Split(f.Enum, ","))
			}
		}
	}

	idx.Nodes[strings.Join(path, "__")] = completionNode{
		Subcommands: uniqueSorted(sub),
		Flags:       uniqueSorted(flags),
	}
	for _, child := range children {
		idx.walk(child, append(slices.Clone(path), child.Name))
	}
}

// addEnum records values for each flag token. Global flags appear on every
// node, so the first registration wins.
func (idx *completionIndex) addEnum(tokens, values []string) {
	values = lo.Compact(lo.Map(values, func(v string, _ int) string { return strings.TrimSpace(v) }))
	if len(values) == 0 {
		return
	}
	for _, token := range tokens {
		if _, ok := idx.EnumByFlag[token]; !ok && token != "" {
			idx.EnumByFlag[token] = values
		}
	}
}

func flagCompletionTokens(f *kong.Flag) []string {
	tokens := []string{"--" + f.Name}
	if f.Short != 0 {
		tokens = append(tokens, "-"+string(f.Short))
	}
	for _, a := range f.Aliases {
		tokens = append(tokens, "--"+a)
	}
	return tokens
}

func uniqueSorted(in []string) []string {
	out := lo.Uniq(lo.Compact(lo.Map(in, func(s string, _ int) string { return strings.TrimSpace(s) })))
	slices.Sort(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}

// fileFlags take a path argument and complete against the filesystem.
var fileFlags = []string{"-c", "--config", "-o", "--out"}

type completionPath struct {
	Key         string
	Subcommands string
	Flags       string
}

type completionEnum struct {
	Token  string
	Values string
}

// completionScript is the template data shared by every shell.
type completionScript struct {
	Paths     []completionPath
	Enums     []completionEnum
	FileFlags string
	Fish      []string
}

// shellKey maps a node key to an associative array subscript. Bash rejects
// an empty subscript, so the root is ".".
func shellKey(key string) string {
	if key == "" {
		return "."
	}
	return key
}

func (idx completionIndex) script() completionScript {
	return completionScript{
		Paths: lo.Map(idx.KnownPaths, func(key string, _ int) completionPath {
			n := idx.Nodes[key]
			return completionPath{
				Key:         shellKey(key),
				Subcommands: strings.Join(n.Subcommands, " "),
				Flags:       strings.Join(n.Flags, " "),
			}
		}),
		Enums: lo.Map(sortedKeys(idx.EnumByFlag), func(token string, _ int) completionEnum {
			return completionEnum{Token: token, Values: strings.Join(idx.EnumByFlag[token], " ")}
		}),
		FileFlags: strings.Join(fileFlags, "|"),
		Fish:      idx.fishLines(),
	}
}

// fishLines describes top-level commands and their flags. Global flags are
// listed once without a condition.
func (idx completionIndex) fishLines() []string {
	root := idx.Nodes[""]
	var lines []string
	for _, sub := range root.Subcommands {
		lines = append(lines, "complete -c traced -n __fish_use_subcommand -a "+sub)
	}
	for _, flag := range root.Flags {
		if line, ok := idx.fishFlag("", flag); ok {
			lines = append(lines, line)
		}
	}
	for _, sub := range root.Subcommands {
		for _, flag := range idx.Nodes[sub].Flags {
			if slices.Contains(root.Flags, flag) {
				continue
			}
			if line, ok := idx.fishFlag(sub, flag); ok {
				lines = append(lines, line)
			}
		}
	}
	return lines
}

// fishFlag renders one long flag. Short tokens ride along with their long
// form through kong, so they are skipped here.
func (idx completionIndex) fishFlag(cmd, flag string) (string, bool) {
	name, ok := strings.CutPrefix(flag, "--")
	if !ok {
		return "", false
	}
	parts := []string{"complete -c traced"}
	if cmd != "" {
		parts = append(parts, fmt.Sprintf("-n %q", "__fish_seen_subcommand_from "+cmd))
	}
	parts = append(parts, "-l "+name)
	switch values, isEnum := idx.EnumByFlag[flag]; {
	case isEnum:
		parts = append(parts, fmt.Sprintf("-xa %q", strings.Join(values, " ")))
	case slices.Contains(fileFlags, flag):
		parts = append(parts, "-rF")
	}
	return strings.Join(parts, " "), true
}

var completionTemplates = template.Must(template.New("bash").Parse(bashCompletion))

func init() {
	template.Must(completionTemplates.New("zsh").Parse(zshCompletion))
	template.Must(completionTemplates.New("fish").Parse(fishCompletion))
}

const bashCompletion = `# traced bash completion
# Add to ~/.bashrc:
#   eval "$(traced completion bash)"

declare -gA _traced_subcommands=(
{{- range .Paths}}
    [{{.Key}}]="{{.Subcommands}}"
{{- end}}
)

declare -gA _traced_flags=(
{{- range .Paths}}
    [{{.Key}}]="{{.Flags}}"
{{- end}}
)

_traced_detach_keys() {
    local f
    for f in "${HOME}"/.traced/detached/*.json; do
        [[ -e "${f}" ]] && basename "${f}" .json
    done
}

_traced_completions() {
    local cur prev words cword
    _init_completion || return

    local cmdpath=. candidate= w
    for w in "${words[@]:1:cword-1}"; do
        [[ -z "${w}" || "${w}" == -* ]] && continue
        candidate="${candidate:+${candidate}__}${w}"
        [[ -v "_traced_subcommands[${candidate}]" ]] || break
        cmdpath="${candidate}"
    done

    case "${prev}" in
        {{.FileFlags}})
            _filedir
            return
            ;;
{{- range .Enums}}
        {{.Token}})
            COMPREPLY=($(compgen -W "{{.Values}}" -- "${cur}"))
            return
            ;;
{{- end}}
    esac

    if [[ "${cmdpath}" == attach && "${cur}" != -* ]]; then
        COMPREPLY=($(compgen -W "$(_traced_detach_keys)" -- "${cur}"))
    elif [[ "${cur}" == -* ]]; then
        COMPREPLY=($(compgen -W "${_traced_flags[${cmdpath}]}" -- "${cur}"))
    else
        COMPREPLY=($(compgen -W "${_traced_subcommands[${cmdpath}]}" -- "${cur}"))
    fi
}

complete -F _traced_completions traced
`

const zshCompletion = `#compdef traced
# traced zsh completion
# Add to ~/.zshrc:
#   eval "$(traced completion zsh)"

typeset -gA _traced_subcommands _traced_flags
_traced_subcommands=(
{{- range .Paths}}
  {{.Key}} "{{.Subcommands}}"
{{- end}}
)
_traced_flags=(
{{- range .Paths}}
  {{.Key}} "{{.Flags}}"
{{- end}}
)

_traced() {
  local cmdpath=. candidate= w
  for w in "${(@)words[2,CURRENT-1]}"; do
    [[ -z "${w}" || "${w}" == -* ]] && continue
    candidate="${candidate:+${candidate}__}${w}"
    (( ${+_traced_subcommands[${candidate}]} )) || break
    cmdpath="${candidate}"
  done

  case "${words[CURRENT-1]}" in
    {{.FileFlags}})
      _files
      return
      ;;
{{- range .Enums}}
    {{.Token}})
      compadd -- {{.Values}}
      return
      ;;
{{- end}}
  esac

  if [[ "${cmdpath}" == attach && "${words[CURRENT]}" != -* ]]; then
    compadd -- ${HOME}/.traced/detached/*.json(N:t:r)
  elif [[ "${words[CURRENT]}" == -* ]]; then
    compadd -- ${=_traced_flags[${cmdpath}]}
  else
    compadd -- ${=_traced_subcommands[${cmdpath}]}
  fi
}

compdef _traced traced
`

const fishCompletion = `# traced fish completion
# Save as ~/.config/fish/completions/traced.fish

complete -c traced -f
{{range .Fish}}{{.}}
{{end -}}
complete -c traced -n "__fish_seen_subcommand_from attach" -a "(path basename -E ~/.traced/detached/*.json)"
`
