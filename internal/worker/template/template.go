// Package template implements the {{SCOPE:identifier.path}} substitution
// engine described in spec.md section 4.A. It rewrites every variable
// reference found in a string against a rendering Context built from the
// invocation's outputs, assets, custom map, and global map.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// variableRe matches "{{[SCOPE:]identifier[.path]}}", mirroring the single
// regex scan original_source/worker/src/lib.rs::render_variables performs
// over the serialized task.
var variableRe = regexp.MustCompile(`\{\{(?:([^:{}]*):)?([^\[.{}]+)\.?([^{}]*)\}\}`)

// pathSegmentRe tokenizes a path tail into dotted keys and bracketed
// indices, e.g. "[0].key1.key2[3]" -> ["[0]", "key1", "key2", "[3]"].
var pathSegmentRe = regexp.MustCompile(`([^\[.}]+|\[\d+\])`)

// Scope is one of the four variable scopes a reference may be prefixed
// with; the zero value means "bare name lookup".
type Scope string

const (
	ScopeOutput Scope = "OUTPUT"
	ScopeAsset  Scope = "ASSET"
	ScopeCustom Scope = "CUSTOM"
	ScopeGlobal Scope = "GLOBAL"
)

// Context is the rendering context a template is evaluated against.
type Context struct {
	// Outputs maps reactId -> the task's recorded output JSON value.
	Outputs map[string]any
	// NameToReactID resolves a task's user-facing name to its reactId, for
	// OUTPUT scope references.
	NameToReactID map[string]string
	// AssetVars maps vendor -> assetType -> attributes, per task.
	AssetVars map[string]map[string]any
	// Custom is the worker's user-provided custom map.
	Custom map[string]any
	// Global is the worker's global map, keyed under "GLOBAL:<identifier>".
	Global map[string]any
	// Bare holds reserved bare-name values: xpertlyRequestToken, tagName,
	// integration-injected fields, and declared path params.
	Bare map[string]any
}

// NewContext returns an empty, ready-to-populate Context.
func NewContext() *Context {
	return &Context{
		Outputs:       map[string]any{},
		NameToReactID: map[string]string{},
		AssetVars:     map[string]map[string]any{},
		Custom:        map[string]any{},
		Global:        map[string]any{},
		Bare:          map[string]any{},
	}
}

// ErrUnknownScope is returned when a template references a SCOPE outside
// the four known variants; unlike an unresolved bare name, this is a fatal
// rendering error per spec.md 4.A.
type ErrUnknownScope struct {
	Scope string
}

func (e *ErrUnknownScope) Error() string {
	return fmt.Sprintf("unknown variable scope %q", e.Scope)
}

// Render rewrites every {{...}} reference in input against ctx. Undefined
// bare-name references resolve to the literal string "undefined" rather
// than failing (spec.md Testable Property 7); an unknown SCOPE is a fatal
// error.
func Render(input string, ctx *Context) (string, error) {
	var firstErr error
	out := variableRe.ReplaceAllStringFunc(input, func(match string) string {
		if firstErr != nil {
			return match
		}
		sub := variableRe.FindStringSubmatch(match)
		scopeRaw, identifier, path := sub[1], sub[2], sub[3]

		value, ok, err := resolve(ctx, scopeRaw, identifier, path)
		if err != nil {
			firstErr = err
			return match
		}
		if !ok {
			return "undefined"
		}
		return stringify(value)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// RenderTwice applies Render twice in succession, the documented workaround
// for path-parameter interpolation introducing new substitution sites on
// the first pass (spec.md 4.A "Workaround rendering twice"). Endpoint,
// webhook and conditional tasks are rendered this way; a Filter task's
// objectToFilter goes through a single RenderJSONEncoded pass and is not
// rendered twice. Loop tasks defer rendering to when the interpreter
// reaches their inner tasks.
func RenderTwice(input string, ctx *Context) (string, error) {
	once, err := Render(input, ctx)
	if err != nil {
		return "", err
	}
	return Render(once, ctx)
}

// RenderJSONEncoded behaves like Render but wraps the resolved value for a
// scoped reference as a JSON-encoded literal rather than its loose string
// form, matching the `| json_encode()` filter the Filter handler's
// preparation step applies to every scope substitution.
func RenderJSONEncoded(input string, ctx *Context) (string, error) {
	var firstErr error
	out := variableRe.ReplaceAllStringFunc(input, func(match string) string {
		if firstErr != nil {
			return match
		}
		sub := variableRe.FindStringSubmatch(match)
		scopeRaw, identifier, path := sub[1], sub[2], sub[3]

		value, ok, err := resolve(ctx, scopeRaw, identifier, path)
		if err != nil {
			firstErr = err
			return match
		}
		if !ok {
			return `"undefined"`
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			firstErr = fmt.Errorf("json_encode %s: %w", match, err)
			return match
		}
		return string(encoded)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func resolve(ctx *Context, scopeRaw, identifier, path string) (value any, ok bool, err error) {
	if scopeRaw == "" {
		v, ok := ctx.Bare[identifier]
		return v, ok, nil
	}

	switch Scope(scopeRaw) {
	case ScopeOutput:
		reactID, ok := ctx.NameToReactID[identifier]
		if !ok {
			return nil, false, nil
		}
		base, ok := ctx.Outputs[reactID]
		if !ok {
			return nil, false, nil
		}
		return applyPath(base, path)
	case ScopeAsset:
		vendor, ok := ctx.AssetVars[identifier]
		if !ok {
			return nil, false, nil
		}
		return applyPath(vendor, path)
	case ScopeCustom:
		v, ok := ctx.Custom[identifier]
		return v, ok, nil
	case ScopeGlobal:
		v, ok := ctx.Global["GLOBAL:"+identifier]
		return v, ok, nil
	default:
		return nil, false, &ErrUnknownScope{Scope: scopeRaw}
	}
}

// applyPath walks the dotted/bracketed path tail against base.
func applyPath(base any, path string) (any, bool, error) {
	if path == "" {
		return base, true, nil
	}
	current := base
	for _, segment := range pathSegmentRe.FindAllString(path, -1) {
		if strings.HasPrefix(segment, "[") {
			idxStr := strings.TrimSuffix(strings.TrimPrefix(segment, "["), "]")
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				return nil, false, fmt.Errorf("invalid index segment %q: %w", segment, err)
			}
			arr, ok := current.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false, nil
			}
			current = arr[idx]
			continue
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		current, ok = obj[segment]
		if !ok {
			return nil, false, nil
		}
	}
	return current, true, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
