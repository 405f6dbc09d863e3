package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"

	ijsonschema "github.com/invopop/jsonschema"
	qjsonschema "github.com/qri-io/jsonschema"
	"github.com/yosida95/uritemplate/v3"
)

// CapabilityKind names one of the capability variants held by a Registry.
type CapabilityKind string

// Capability kinds.
const (
	CapabilityTool     CapabilityKind = "tool"
	CapabilityResource CapabilityKind = "resource"
	CapabilityPrompt   CapabilityKind = "prompt"
)

// ToolHandler computes the result of a tool call. Args is the raw JSON object sent by the
// client, already validated against the tool's input schema.
type ToolHandler func(ctx context.Context, args json.RawMessage) (CallToolResult, error)

// ResourceHandler produces the contents of a resource. Vars holds the values bound to the
// template placeholders of the matched URI.
type ResourceHandler func(ctx context.Context, uri string, vars map[string]string) (ReadResourceResult, error)

// PromptHandler expands a prompt template with the given arguments.
type PromptHandler func(ctx context.Context, args map[string]string) (GetPromptResult, error)

// Descriptor is the kind-independent discovery record of a registered capability.
type Descriptor struct {
	Kind CapabilityKind `json:"kind"`
	// Target is the name of a tool or prompt, or the URI template of a resource.
	Target      string `json:"target"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Binding is a resolved capability ready to be validated and invoked.
type Binding struct {
	Kind CapabilityKind
	// Target is the requested name or URI.
	Target string
	// Vars holds the placeholder values extracted from a resource URI.
	Vars map[string]string

	tool     *toolEntry
	resource *resourceEntry
	prompt   *promptEntry
}

// Registry holds the tools, resources and prompts a server exposes. It has no transport
// knowledge; a Dispatcher uses it to resolve and invoke capabilities.
//
// Registration is expected to happen at startup, but every method is safe for concurrent use.
// Capabilities cannot be unregistered.
type Registry struct {
	mu sync.RWMutex

	tools     []*toolEntry
	toolIndex map[string]*toolEntry

	resources     []*resourceEntry
	resourceIndex map[string]*resourceEntry

	prompts     []*promptEntry
	promptIndex map[string]*promptEntry
}

type toolEntry struct {
	tool    Tool
	schema  *qjsonschema.Schema
	handler ToolHandler
}

type resourceEntry struct {
	def      ResourceTemplate
	template *uritemplate.Template
	// prefix is the literal text before the first placeholder.
	prefix  string
	handler ResourceHandler
}

type promptEntry struct {
	prompt  Prompt
	handler PromptHandler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		toolIndex:     make(map[string]*toolEntry),
		resourceIndex: make(map[string]*resourceEntry),
		promptIndex:   make(map[string]*promptEntry),
	}
}

// RegisterTool registers a tool. A non-empty InputSchema must be a valid JSON Schema; call
// arguments are validated against it before the handler runs. It fails with
// ErrDuplicateCapability if a tool with the same name exists.
func (r *Registry) RegisterTool(tool Tool, handler ToolHandler) error {
	if tool.Name == "" || handler == nil {
		return fmt.Errorf("%w: tool requires a name and a handler", ErrMalformedRequest)
	}

	entry := &toolEntry{tool: tool, handler: handler}
	if len(tool.InputSchema) > 0 {
		schema := &qjsonschema.Schema{}
		if err := json.Unmarshal(tool.InputSchema, schema); err != nil {
			return fmt.Errorf("%w: invalid input schema for tool %q: %w", ErrMalformedRequest, tool.Name, err)
		}
		entry.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.toolIndex[tool.Name]; ok {
		return fmt.Errorf("%w: tool %q", ErrDuplicateCapability, tool.Name)
	}
	r.tools = append(r.tools, entry)
	r.toolIndex[tool.Name] = entry
	return nil
}

// RegisterTypedTool registers a tool whose arguments decode into A. The input schema is
// reflected from A: fields without omitempty are required and unknown fields are rejected.
func RegisterTypedTool[A any](
	r *Registry,
	name, description string,
	fn func(ctx context.Context, args A) (CallToolResult, error),
) error {
	reflector := &ijsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(new(A))
	// The validator does not need the draft URI nor the Go type id.
	schema.Version = ""
	schema.ID = ""

	schemaBs, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema for tool %q: %w", name, err)
	}

	handler := func(ctx context.Context, raw json.RawMessage) (CallToolResult, error) {
		var args A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return CallToolResult{}, fmt.Errorf("%w: failed to decode arguments: %w", ErrMalformedRequest, err)
			}
		}
		return fn(ctx, args)
	}

	return r.RegisterTool(Tool{
		Name:        name,
		Description: description,
		InputSchema: schemaBs,
	}, handler)
}

// RegisterResource registers a resource under an RFC 6570 URI template, e.g.
// "greeting://{name}". A template without placeholders registers a concrete resource.
//
// Templates must not overlap: the literal prefix of a template (the text before its first
// placeholder, or the whole URI for concrete resources) must not be a prefix of another
// registered template's literal prefix, and vice versa. Overlapping or identical templates
// fail with ErrDuplicateCapability, so resolution never has to break ties.
func (r *Registry) RegisterResource(def ResourceTemplate, handler ResourceHandler) error {
	if def.URITemplate == "" || handler == nil {
		return fmt.Errorf("%w: resource requires a URI template and a handler", ErrMalformedRequest)
	}
	tmpl, err := uritemplate.New(def.URITemplate)
	if err != nil {
		return fmt.Errorf("%w: invalid URI template %q: %w", ErrMalformedRequest, def.URITemplate, err)
	}
	if def.Name == "" {
		def.Name = def.URITemplate
	}
	entry := &resourceEntry{
		def:      def,
		template: tmpl,
		prefix:   literalPrefix(def.URITemplate),
		handler:  handler,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.resourceIndex[def.URITemplate]; ok {
		return fmt.Errorf("%w: resource %q", ErrDuplicateCapability, def.URITemplate)
	}
	for _, e := range r.resources {
		if strings.HasPrefix(e.prefix, entry.prefix) || strings.HasPrefix(entry.prefix, e.prefix) {
			return fmt.Errorf("%w: resource %q overlaps %q", ErrDuplicateCapability, def.URITemplate,
				e.def.URITemplate)
		}
	}
	r.resources = append(r.resources, entry)
	r.resourceIndex[def.URITemplate] = entry
	return nil
}

// RegisterPrompt registers a prompt template. It fails with ErrDuplicateCapability if a
// prompt with the same name exists.
func (r *Registry) RegisterPrompt(prompt Prompt, handler PromptHandler) error {
	if prompt.Name == "" || handler == nil {
		return fmt.Errorf("%w: prompt requires a name and a handler", ErrMalformedRequest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.promptIndex[prompt.Name]; ok {
		return fmt.Errorf("%w: prompt %q", ErrDuplicateCapability, prompt.Name)
	}
	entry := &promptEntry{prompt: prompt, handler: handler}
	r.prompts = append(r.prompts, entry)
	r.promptIndex[prompt.Name] = entry
	return nil
}

// Resolve finds the capability of the given kind addressed by target: a tool or prompt name,
// or a resource URI matched against the registered templates. It fails with ErrNotFound.
func (r *Registry) Resolve(kind CapabilityKind, target string) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b := Binding{Kind: kind, Target: target}

	switch kind {
	case CapabilityTool:
		e, ok := r.toolIndex[target]
		if !ok {
			return Binding{}, newFailure(KindNotFound, "tool %q not found", target)
		}
		b.tool = e
	case CapabilityPrompt:
		e, ok := r.promptIndex[target]
		if !ok {
			return Binding{}, newFailure(KindNotFound, "prompt %q not found", target)
		}
		b.prompt = e
	case CapabilityResource:
		for _, e := range r.resources {
			vars, ok := e.match(target)
			if !ok {
				continue
			}
			b.resource = e
			b.Vars = vars
			return b, nil
		}
		return Binding{}, newFailure(KindNotFound, "resource %q not found", target)
	default:
		return Binding{}, newFailure(KindMalformedRequest, "unknown capability kind %q", kind)
	}

	return b, nil
}

// Validate checks args against the bound capability: tool arguments against the input schema,
// prompt arguments against the required argument list. It fails with ErrMalformedRequest.
func (r *Registry) Validate(ctx context.Context, b Binding, args json.RawMessage) error {
	switch {
	case b.tool != nil:
		if len(args) == 0 || string(args) == "null" {
			args = json.RawMessage("{}")
		}
		if b.tool.schema == nil {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(args, &obj); err != nil {
				return newFailure(KindMalformedRequest, "arguments of tool %q must be an object", b.Target)
			}
			return nil
		}
		keyErrs, err := b.tool.schema.ValidateBytes(ctx, args)
		if err != nil {
			return newFailure(KindMalformedRequest, "invalid arguments for tool %q: %s", b.Target, err)
		}
		if len(keyErrs) > 0 {
			return newFailure(KindMalformedRequest, "invalid arguments for tool %q: %s", b.Target, keyErrs[0].Error())
		}
	case b.prompt != nil:
		promptArgs, err := decodePromptArgs(args)
		if err != nil {
			return newFailure(KindMalformedRequest, "invalid arguments for prompt %q: %s", b.Target, err)
		}
		for _, arg := range b.prompt.prompt.Arguments {
			if _, ok := promptArgs[arg.Name]; arg.Required && !ok {
				return newFailure(KindMalformedRequest, "prompt %q requires argument %q", b.Target, arg.Name)
			}
		}
	}
	return nil
}

// Invoke runs the bound handler. Errors and panics raised by the handler are returned as a
// *Failure of kind HandlerError (or the kind the handler error wraps), never raw.
func (r *Registry) Invoke(ctx context.Context, b Binding, args json.RawMessage) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = newFailure(KindHandlerError, "%s %q panicked: %v", b.Kind, b.Target, rec)
		}
	}()

	switch {
	case b.tool != nil:
		res, hErr := b.tool.handler(ctx, args)
		if hErr != nil {
			return nil, handlerFailure(b, hErr)
		}
		return res, nil
	case b.resource != nil:
		res, hErr := b.resource.handler(ctx, b.Target, b.Vars)
		if hErr != nil {
			return nil, handlerFailure(b, hErr)
		}
		return res, nil
	case b.prompt != nil:
		promptArgs, dErr := decodePromptArgs(args)
		if dErr != nil {
			return nil, newFailure(KindMalformedRequest, "invalid arguments for prompt %q: %s", b.Target, dErr)
		}
		res, hErr := b.prompt.handler(ctx, promptArgs)
		if hErr != nil {
			return nil, handlerFailure(b, hErr)
		}
		return res, nil
	default:
		return nil, newFailure(KindNotFound, "%s %q not resolved", b.Kind, b.Target)
	}
}

// List returns the descriptors of every capability of the given kind in registration order.
// The sequence is lazy and can be iterated any number of times.
func (r *Registry) List(kind CapabilityKind) iter.Seq[Descriptor] {
	switch kind {
	case CapabilityTool:
		return lazySeq(&r.mu, func() []*toolEntry { return r.tools }, nil, func(e *toolEntry) Descriptor {
			return Descriptor{Kind: kind, Target: e.tool.Name, Name: e.tool.Name, Description: e.tool.Description}
		})
	case CapabilityResource:
		return lazySeq(&r.mu, func() []*resourceEntry { return r.resources }, nil, func(e *resourceEntry) Descriptor {
			return Descriptor{Kind: kind, Target: e.def.URITemplate, Name: e.def.Name, Description: e.def.Description}
		})
	case CapabilityPrompt:
		return lazySeq(&r.mu, func() []*promptEntry { return r.prompts }, nil, func(e *promptEntry) Descriptor {
			return Descriptor{Kind: kind, Target: e.prompt.Name, Name: e.prompt.Name, Description: e.prompt.Description}
		})
	default:
		return func(func(Descriptor) bool) {}
	}
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() iter.Seq[Tool] {
	return lazySeq(&r.mu, func() []*toolEntry { return r.tools }, nil, func(e *toolEntry) Tool {
		return e.tool
	})
}

// Resources returns the registered concrete resources, those whose template has no
// placeholder, in registration order.
func (r *Registry) Resources() iter.Seq[Resource] {
	return lazySeq(&r.mu, func() []*resourceEntry { return r.resources }, (*resourceEntry).concrete,
		func(e *resourceEntry) Resource {
			return Resource{
				URI:         e.def.URITemplate,
				Name:        e.def.Name,
				Description: e.def.Description,
				MimeType:    e.def.MimeType,
			}
		})
}

// ResourceTemplates returns the registered parameterized resources in registration order.
func (r *Registry) ResourceTemplates() iter.Seq[ResourceTemplate] {
	return lazySeq(&r.mu, func() []*resourceEntry { return r.resources },
		func(e *resourceEntry) bool { return !e.concrete() },
		func(e *resourceEntry) ResourceTemplate { return e.def })
}

// Prompts returns the registered prompts in registration order.
func (r *Registry) Prompts() iter.Seq[Prompt] {
	return lazySeq(&r.mu, func() []*promptEntry { return r.prompts }, nil, func(e *promptEntry) Prompt {
		return e.prompt
	})
}

// Capabilities reports which capability kinds have at least one registration.
func (r *Registry) Capabilities() ServerCapabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var caps ServerCapabilities
	if len(r.tools) > 0 {
		caps.Tools = &ToolsCapability{}
	}
	if len(r.resources) > 0 {
		caps.Resources = &ResourcesCapability{}
	}
	if len(r.prompts) > 0 {
		caps.Prompts = &PromptsCapability{}
	}
	return caps
}

func (e *resourceEntry) concrete() bool {
	return len(e.template.Varnames()) == 0
}

func (e *resourceEntry) match(uri string) (map[string]string, bool) {
	if !strings.HasPrefix(uri, e.prefix) {
		return nil, false
	}
	if e.concrete() {
		return map[string]string{}, uri == e.def.URITemplate
	}
	values := e.template.Match(uri)
	if values == nil {
		return nil, false
	}
	vars := make(map[string]string, len(values))
	for name, v := range values {
		vars[name] = v.String()
	}
	return vars, true
}

// lazySeq yields conv(entry) for each entry kept by keep, reading one entry at a time under
// the read lock. Entries are append-only, so iteration observes registration order.
func lazySeq[E, T any](mu *sync.RWMutex, entries func() []E, keep func(E) bool, conv func(E) T) iter.Seq[T] {
	return func(yield func(T) bool) {
		for i := 0; ; i++ {
			mu.RLock()
			es := entries()
			if i >= len(es) {
				mu.RUnlock()
				return
			}
			e := es[i]
			mu.RUnlock()

			if keep != nil && !keep(e) {
				continue
			}
			if !yield(conv(e)) {
				return
			}
		}
	}
}

func literalPrefix(template string) string {
	if i := strings.IndexByte(template, '{'); i >= 0 {
		return template[:i]
	}
	return template
}

func decodePromptArgs(raw json.RawMessage) (map[string]string, error) {
	args := make(map[string]string)
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func handlerFailure(b Binding, err error) *Failure {
	f := AsFailure(err)
	if f.Kind == KindHandlerError {
		f = newFailure(KindHandlerError, "%s %q failed: %s", b.Kind, b.Target, err)
	}
	return f
}
