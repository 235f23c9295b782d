// Package hook intercepts sensitive operations issued through
// third-party command integrations, classifies them into required
// scopes, and allows, denies, or sends the caller into the elevation
// flow. Classification is a per-hook static mapping plus
// argument-sensitive rules; deployments can extend it with Rego.
package hook

import "strings"

// Built-in hook types.
const (
	HookContainer = "container"
	HookExec      = "exec"
	HookSCM       = "scm"
	HookDesign    = "design"
)

// Classification is the result of mapping one command to scopes.
type Classification struct {
	Scopes  []string
	Blocked bool
	Reason  string
}

// Classifier maps a command and its arguments to required scopes.
type Classifier interface {
	HookType() string
	Classify(command string, args []string) Classification
}

// argRule adds a scope when a predicate over the arguments matches.
type argRule struct {
	match func(args []string) bool
	scope string
}

// staticClassifier implements the common shape: a base command→scopes
// table plus argument-sensitive rules per command.
type staticClassifier struct {
	hookType string
	commands map[string][]string
	argRules map[string][]argRule
	blocked  map[string]string // command -> reason
}

func (c *staticClassifier) HookType() string {
	return c.hookType
}

func (c *staticClassifier) Classify(command string, args []string) Classification {
	if reason, ok := c.blocked[command]; ok {
		return Classification{Blocked: true, Reason: reason}
	}

	scopes := append([]string(nil), c.commands[command]...)
	for _, rule := range c.argRules[command] {
		if rule.match(args) {
			scopes = appendUnique(scopes, rule.scope)
		}
	}
	return Classification{Scopes: scopes}
}

// NewContainerClassifier classifies container-runtime commands. Plain
// runs pass through; privilege escalation flags elevate the scope set.
func NewContainerClassifier() Classifier {
	return &staticClassifier{
		hookType: HookContainer,
		commands: map[string][]string{},
		argRules: map[string][]argRule{
			"run": {
				{match: hasFlag("--privileged"), scope: "container:privileged"},
				{match: hasHostMount, scope: "container:host-mount"},
				{match: hasAnyFlag("--network=host", "--net=host"), scope: "container:host-network"},
				{match: hasFlag("--pid=host"), scope: "container:host-pid"},
			},
			"exec": {
				{match: hasRootUser, scope: "container:exec-root"},
			},
		},
	}
}

// NewExecClassifier classifies direct command execution.
func NewExecClassifier() Classifier {
	return &staticClassifier{
		hookType: HookExec,
		commands: map[string][]string{
			"sudo":      {"exec:root"},
			"systemctl": {"exec:service-control"},
			"apt":       {"exec:package-install"},
			"apt-get":   {"exec:package-install"},
			"yum":       {"exec:package-install"},
			"dnf":       {"exec:package-install"},
		},
		argRules: map[string][]argRule{
			"rm": {
				{match: recursiveSystemDelete, scope: "exec:system-delete"},
			},
			"chmod": {
				{match: touchesSystemPath, scope: "exec:system-write"},
			},
			"chown": {
				{match: touchesSystemPath, scope: "exec:system-write"},
			},
			"tee": {
				{match: touchesSystemPath, scope: "exec:system-write"},
			},
		},
		blocked: map[string]string{
			"mkfs": "filesystem formatting is not permitted through this hook",
		},
	}
}

// NewSCMClassifier classifies source-control operations.
func NewSCMClassifier() Classifier {
	return &staticClassifier{
		hookType: HookSCM,
		commands: map[string][]string{},
		argRules: map[string][]argRule{
			"push": {
				{match: hasAnyFlag("--force", "-f", "--force-with-lease"), scope: "scm:force-push"},
				{match: hasAnyFlag("--delete", "-d"), scope: "scm:branch-delete"},
			},
			"tag": {
				{match: hasAnyFlag("--delete", "-d"), scope: "scm:tag-delete"},
			},
			"branch": {
				{match: hasAnyFlag("--delete", "-d", "-D"), scope: "scm:branch-delete"},
			},
		},
	}
}

// NewDesignClassifier classifies design-tool operations.
func NewDesignClassifier() Classifier {
	return &staticClassifier{
		hookType: HookDesign,
		commands: map[string][]string{
			"delete": {"design:delete-asset"},
		},
		argRules: map[string][]argRule{
			"export": {
				{match: hasFlag("--include-source"), scope: "design:export-source"},
			},
			"share": {
				{match: hasAnyFlag("--public", "--anyone-with-link"), scope: "design:public-share"},
			},
		},
	}
}

// BuiltinClassifiers returns one classifier per built-in hook type.
func BuiltinClassifiers() []Classifier {
	return []Classifier{
		NewContainerClassifier(),
		NewExecClassifier(),
		NewSCMClassifier(),
		NewDesignClassifier(),
	}
}

func hasFlag(flag string) func([]string) bool {
	return func(args []string) bool {
		for _, a := range args {
			if a == flag {
				return true
			}
		}
		return false
	}
}

func hasAnyFlag(flags ...string) func([]string) bool {
	return func(args []string) bool {
		for _, a := range args {
			for _, f := range flags {
				if a == f {
					return true
				}
			}
		}
		return false
	}
}

// hasHostMount matches -v/--volume mounts whose host side is a
// sensitive system path.
func hasHostMount(args []string) bool {
	for i, a := range args {
		var spec string
		switch {
		case a == "-v" || a == "--volume":
			if i+1 < len(args) {
				spec = args[i+1]
			}
		case strings.HasPrefix(a, "--volume="):
			spec = strings.TrimPrefix(a, "--volume=")
		case strings.HasPrefix(a, "-v="):
			spec = strings.TrimPrefix(a, "-v=")
		}
		if spec == "" {
			continue
		}
		host := strings.SplitN(spec, ":", 2)[0]
		if isSystemPath(host) || host == "/" {
			return true
		}
	}
	return false
}

func hasRootUser(args []string) bool {
	for i, a := range args {
		switch {
		case a == "-u" || a == "--user":
			if i+1 < len(args) && (args[i+1] == "root" || args[i+1] == "0") {
				return true
			}
		case a == "--user=root" || a == "--user=0" || a == "-u=root" || a == "-u=0":
			return true
		}
	}
	return false
}

func recursiveSystemDelete(args []string) bool {
	recursive := false
	for _, a := range args {
		if a == "-r" || a == "-rf" || a == "-fr" || a == "-R" || a == "--recursive" {
			recursive = true
		}
	}
	if !recursive {
		return false
	}
	return touchesSystemPath(args)
}

func touchesSystemPath(args []string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		if a == "/" || isSystemPath(a) {
			return true
		}
	}
	return false
}

var systemPathPrefixes = []string{"/etc", "/usr", "/var", "/boot", "/bin", "/sbin", "/lib"}

func isSystemPath(path string) bool {
	for _, prefix := range systemPathPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func appendUnique(set []string, v string) []string {
	for _, s := range set {
		if s == v {
			return set
		}
	}
	return append(set, v)
}
