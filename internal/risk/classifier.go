// Package risk rates shell commands with coarse, deterministic heuristics.
// It does not parse shell syntax; it pattern-matches known hazards and treats
// anything it cannot vouch for as YELLOW.
package risk

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"execguard/internal/domain"
)

// Reason tags.
const (
	TagRecursiveDelete  = "recursive delete"
	TagDiskFormat       = "disk format"
	TagRawDeviceWrite   = "raw device write"
	TagForkBomb         = "fork bomb"
	TagPrivilege        = "privilege escalation"
	TagDestructiveGit   = "destructive git"
	TagRemoteScript     = "remote script execution"
	TagPermissionBlast  = "permission blast"
	TagShutdown         = "system shutdown"
	TagNetworkEgress    = "network egress"
	TagPackageInstall   = "package install"
	TagFileOverwrite    = "file overwrite"
	TagInPlaceEdit      = "in-place edit"
	TagFileMutation     = "file mutation"
	TagProcessKill      = "process kill"
	TagPermissionChange = "permission change"
	TagGitPush          = "git push"
	TagContainerRemoval = "container removal"
	TagIndirectExec     = "indirect execution"
	TagUnrecognized     = "unrecognized"
)

type rule struct {
	tag   string
	level domain.RiskLevel
	re    *regexp.Regexp
}

var rules = []rule{
	{TagDiskFormat, domain.RiskRed, regexp.MustCompile(`\bmkfs(\.\w+)?\b|\bfdisk\b|\bwipefs\b`)},
	{TagRawDeviceWrite, domain.RiskRed, regexp.MustCompile(`\bdd\s+[^;&|]*\bof=/dev/|>\s*/dev/(sd|hd|nvme|xvd|disk)`)},
	{TagForkBomb, domain.RiskRed, regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)},
	{TagPrivilege, domain.RiskRed, regexp.MustCompile(`(^|[;&|(]\s*)(sudo|doas)\b|\bsu\s+(-|root\b)`)},
	{TagDestructiveGit, domain.RiskRed, regexp.MustCompile(`\bgit\s+push\s+[^;&|]*(--force(\s|$)|-f(\s|$))|\bgit\s+reset\s+--hard\b|\bgit\s+clean\s+-[a-zA-Z]*f|\bgit\s+(checkout|restore)\s+(--\s+)?\.(\s|$)|\bgit\s+branch\s+-D\b`)},
	{TagRemoteScript, domain.RiskRed, regexp.MustCompile(`\b(curl|wget)\b[^;&|]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`)},
	{TagPermissionBlast, domain.RiskRed, regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]*R[a-zA-Z]*\s+)?0?777\s+(/|~)`)},
	{TagShutdown, domain.RiskRed, regexp.MustCompile(`(^|[;&|]\s*)(shutdown|reboot|halt|poweroff)\b|\binit\s+[06]\b`)},
	{TagNetworkEgress, domain.RiskYellow, regexp.MustCompile(`(^|[;&|(\s])(curl|wget|ssh|scp|rsync|nc|ncat|telnet|ftp|sftp)\s`)},
	{TagPackageInstall, domain.RiskYellow, regexp.MustCompile(`\b(apt(-get)?|yum|dnf|apk|brew|pip3?|npm|yarn|pnpm|cargo|gem)\s+(install|add)\b|\bgo\s+(install|get)\b`)},
	{TagInPlaceEdit, domain.RiskYellow, regexp.MustCompile(`\bsed\s+(-[a-zA-Z]*i|--in-place)|\bperl\s+-[a-zA-Z]*i`)},
	{TagFileMutation, domain.RiskYellow, regexp.MustCompile(`(^|[;&|]\s*)(mv|cp|ln|truncate|shred|unlink)\s`)},
	{TagProcessKill, domain.RiskYellow, regexp.MustCompile(`(^|[;&|]\s*)(kill|pkill|killall)\b`)},
	{TagPermissionChange, domain.RiskYellow, regexp.MustCompile(`(^|[;&|]\s*)(chmod|chown|chgrp)\s`)},
	{TagGitPush, domain.RiskYellow, regexp.MustCompile(`\bgit\s+push\b`)},
	{TagContainerRemoval, domain.RiskYellow, regexp.MustCompile(`\bdocker\s+(rm|rmi|system\s+prune|volume\s+rm)\b`)},
}

var (
	rmRe       = regexp.MustCompile(`(^|[;&|(]\s*|\s)rm\s+([^;&|]+)`)
	findDelRe  = regexp.MustCompile(`\bfind\b[^;&|]*\s-delete\b`)
	redirectRe = regexp.MustCompile(`(^|[^>&0-9])>\s*([^>&\s;|]+)`)
	segmentRe  = regexp.MustCompile(`\|\||&&|[;|&]`)
	fdDupRe    = regexp.MustCompile(`\d*[<>]&\d+`)
	findExecRe = regexp.MustCompile(`(^|\s)-(exec|execdir|ok|okdir)(\s|$)`)
	findRunRe  = regexp.MustCompile(`\bfind\b[^;&|]*\s-(exec|execdir|ok|okdir)(\s|$)`)
)

// launchers run another program named later on their command line. The value
// lists the short options that take a separate argument.
var launchers = map[string]string{
	"env": "uSC", "nice": "n", "nohup": "", "time": "", "command": "", "exec": "",
	"setsid": "", "stdbuf": "ioe", "ionice": "cnp", "timeout": "sk", "xargs": "IndLPEsa",
}

var privileged = map[string]string{"sudo": "ugpCDhrtU", "doas": "uC"}

var safeCommands = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "pwd": true, "echo": true,
	"grep": true, "rg": true, "find": true, "wc": true, "sort": true, "uniq": true,
	"diff": true, "which": true, "date": true, "whoami": true, "uname": true,
	"stat": true, "file": true, "du": true, "df": true, "tree": true, "less": true,
	"true": true, "false": true, "test": true, "cd": true, "printf": true, "basename": true,
	"dirname": true, "realpath": true, "id": true, "hostname": true, "ps": true, "jq": true,
}

var safeSubcommands = map[string]map[string]bool{
	"git":   {"status": true, "log": true, "diff": true, "show": true, "branch": true, "rev-parse": true, "blame": true, "remote": true, "describe": true, "ls-files": true, "grep": true},
	"go":    {"build": true, "test": true, "vet": true, "fmt": true, "list": true, "version": true, "env": true, "doc": true},
	"cargo": {"build": true, "test": true, "check": true, "fmt": true, "clippy": true},
	"npm":   {"test": true, "ls": true, "outdated": true},
}

// Context carries optional facts about where a command will run.
type Context struct {
	Cwd   string
	Home  string
	Flags []string
}

type Assessment struct {
	Level   domain.RiskLevel `json:"level"`
	Reasons []string         `json:"reasons"`
}

// Classify rates command. It is pure and never panics.
func Classify(command string, ctx Context) Assessment {
	cmd := strings.Join(strings.Fields(command), " ")
	if cmd == "" {
		return Assessment{Level: domain.RiskYellow, Reasons: []string{TagUnrecognized}}
	}

	level := domain.RiskGreen
	tags := make(map[string]struct{})
	raise := func(l domain.RiskLevel, tag string) {
		tags[tag] = struct{}{}
		if l.Rank() > level.Rank() {
			level = l
		}
	}

	// The first form keeps sudo visible to the privilege rule, the second
	// exposes what sudo runs to every other rule.
	bare := unwrap(cmd, true)
	for _, text := range []string{unwrap(cmd, false), bare} {
		for _, r := range rules {
			if r.re.MatchString(text) {
				raise(r.level, r.tag)
			}
		}
		for _, m := range rmRe.FindAllStringSubmatch(text, -1) {
			if l, ok := rmRisk(m[2], ctx); ok {
				raise(l, TagRecursiveDelete)
			}
		}
		if findDelRe.MatchString(text) {
			raise(domain.RiskYellow, TagRecursiveDelete)
		}
		for _, m := range redirectRe.FindAllStringSubmatch(text, -1) {
			if m[2] != "/dev/null" && !strings.HasPrefix(m[2], "/dev/std") {
				raise(domain.RiskYellow, TagFileOverwrite)
			}
		}
	}

	if findRunRe.MatchString(cmd) {
		raise(domain.RiskYellow, TagIndirectExec)
	}

	if len(tags) == 0 && !allSegmentsSafe(bare) {
		raise(domain.RiskYellow, TagUnrecognized)
	}
	if hasFlag(ctx.Flags, "dry-run") && level != domain.RiskGreen {
		if level == domain.RiskRed {
			level = domain.RiskYellow
		} else {
			level = domain.RiskGreen
		}
	}

	reasons := make([]string, 0, len(tags))
	for t := range tags {
		reasons = append(reasons, t)
	}
	sort.Strings(reasons)
	return Assessment{Level: level, Reasons: reasons}
}

// rmRisk inspects the argument list of one rm invocation. Only recursive
// removals are reported; wide targets are RED, anything else YELLOW.
func rmRisk(args string, ctx Context) (domain.RiskLevel, bool) {
	recursive := false
	var targets []string
	for _, a := range strings.Fields(args) {
		switch {
		case a == "--recursive":
			recursive = true
		case strings.HasPrefix(a, "--"):
		case strings.HasPrefix(a, "-") && len(a) > 1:
			if strings.ContainsAny(a[1:], "rR") {
				recursive = true
			}
		default:
			targets = append(targets, strings.Trim(a, `"'`))
		}
	}
	if !recursive {
		return "", false
	}
	wideCwd := ctx.Cwd == "/" || (ctx.Home != "" && path.Clean(ctx.Cwd) == path.Clean(ctx.Home))
	for _, t := range targets {
		if isWideTarget(t, ctx.Home) {
			return domain.RiskRed, true
		}
		if wideCwd && (t == "*" || t == "." || strings.HasPrefix(t, "*")) {
			return domain.RiskRed, true
		}
	}
	return domain.RiskYellow, true
}

func isWideTarget(t, home string) bool {
	switch t {
	case "/", "/*", "~", "~/", "~/*", "$HOME", "${HOME}", "$HOME/", "..", "../", "../*":
		return true
	}
	if home != "" && path.Clean(t) == path.Clean(home) {
		return true
	}
	if strings.HasPrefix(t, "/") {
		clean := path.Clean(t)
		return strings.Count(clean, "/") <= 1
	}
	return false
}

// unwrap strips launcher prefixes (env, nice, timeout, xargs, VAR=value and
// the like) from every segment of cmd and turns find -exec actions into
// segments of their own, so the rules see the program that actually runs.
// With sudo set, sudo and doas are stripped as well.
func unwrap(cmd string, sudo bool) string {
	cmd = findExecRe.ReplaceAllString(cmd, "${1};${3}")
	masked := fdDupRe.ReplaceAllStringFunc(cmd, func(m string) string { return strings.Repeat(" ", len(m)) })
	var b strings.Builder
	last := 0
	for _, loc := range append(segmentRe.FindAllStringIndex(masked, -1), []int{len(cmd), len(cmd)}) {
		b.WriteString(stripLaunchers(cmd[last:loc[0]], sudo))
		b.WriteString(cmd[loc[0]:loc[1]])
		last = loc[1]
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func stripLaunchers(seg string, sudo bool) string {
	fields := strings.Fields(seg)
	i := 0
	for i < len(fields) {
		f := fields[i]
		if strings.Contains(f, "=") && !strings.HasPrefix(f, "-") {
			i++
			continue
		}
		name := path.Base(f)
		argOpts, ok := launchers[name]
		if !ok && sudo {
			argOpts, ok = privileged[name]
		}
		if !ok {
			break
		}
		i++
		for i < len(fields) && len(fields[i]) > 1 && strings.HasPrefix(fields[i], "-") {
			opt := fields[i]
			i++
			if opt == "--" {
				break
			}
			if len(opt) == 2 && strings.IndexByte(argOpts, opt[1]) >= 0 && i < len(fields) {
				i++
			}
		}
		if name == "timeout" && i < len(fields) {
			i++
		}
	}
	if i == 0 {
		return seg
	}
	return " " + strings.Join(fields[i:], " ") + " "
}

func allSegmentsSafe(cmd string) bool {
	cmd = fdDupRe.ReplaceAllString(cmd, " ")
	for _, seg := range segmentRe.Split(cmd, -1) {
		fields := strings.Fields(seg)
		for len(fields) > 0 && strings.Contains(fields[0], "=") {
			fields = fields[1:]
		}
		if len(fields) == 0 {
			continue
		}
		name := path.Base(fields[0])
		if safeCommands[name] {
			continue
		}
		subs, ok := safeSubcommands[name]
		if !ok || len(fields) < 2 || !subs[fields[1]] {
			return false
		}
	}
	return true
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(strings.TrimLeft(f, "-"), want) {
			return true
		}
	}
	return false
}

// Policy decides which levels are refused outright.
type Policy struct {
	BlockAt domain.RiskLevel `yaml:"block_at" json:"block_at"`
}

var DefaultPolicy = Policy{BlockAt: domain.RiskRed}

// ShouldBlockCommand reports whether level meets the policy threshold. An
// empty threshold behaves like DefaultPolicy.
func ShouldBlockCommand(level domain.RiskLevel, p Policy) bool {
	at := p.BlockAt
	if at == "" {
		at = DefaultPolicy.BlockAt
	}
	return level.Rank() >= at.Rank()
}

// FormatRiskWarning renders an assessment for direct display.
func FormatRiskWarning(command string, a Assessment) string {
	cmd := Truncate(strings.Join(strings.Fields(command), " "), 80)
	var summary string
	switch a.Level {
	case domain.RiskRed:
		summary = "high-risk command"
	case domain.RiskYellow:
		summary = "command needs care"
	default:
		summary = "no known hazards"
	}
	if len(a.Reasons) == 0 {
		return fmt.Sprintf("[%s] %s: %s", a.Level, cmd, summary)
	}
	return fmt.Sprintf("[%s] %s: %s (%s)", a.Level, cmd, summary, strings.Join(a.Reasons, ", "))
}

// Truncate shortens s to at most n runes, ending in "..." when cut.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// Classifier memoizes Classify. Assessments are copied on the way out so
// callers cannot alter cached values.
type Classifier struct {
	cache *lru.Cache[string, Assessment]
}

func NewClassifier(size int) (*Classifier, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, Assessment](size)
	if err != nil {
		return nil, err
	}
	return &Classifier{cache: c}, nil
}

func (c *Classifier) Classify(command string, ctx Context) Assessment {
	key := command + "\x00" + ctx.Cwd + "\x00" + ctx.Home + "\x00" + strings.Join(ctx.Flags, ",")
	if a, ok := c.cache.Get(key); ok {
		return a.clone()
	}
	a := Classify(command, ctx)
	c.cache.Add(key, a)
	return a.clone()
}

func (a Assessment) clone() Assessment {
	out := a
	out.Reasons = append([]string(nil), a.Reasons...)
	return out
}
