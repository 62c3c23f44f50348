// Package model holds the declarative data types a WorkerConfig is parsed
// into, and the runtime Task/Worker forms the interpreter traverses.
package model

import (
	"encoding/json"
	"fmt"
)

// WorkerConfig is the wire shape submitted to the trigger endpoint: a named
// graph of TaskConfig authored by a user.
type WorkerConfig struct {
	Name                string          `json:"name"`
	ID                  string          `json:"id"`
	TenantID            string          `json:"tenantId"`
	Category            string          `json:"type,omitempty"`
	AvailableInAvicenna bool            `json:"availableInAvicenna,omitempty"`
	Description         string          `json:"description,omitempty"`
	Tasks               []TaskConfig    `json:"tasks"`
	Global              json.RawMessage `json:"global,omitempty"`
	Custom              json.RawMessage `json:"custom,omitempty"`
	SchemaID            string          `json:"schemaId,omitempty"`
}

// Next names the react IDs to advance to on a true/false branch result.
type Next struct {
	True  *string `json:"true,omitempty"`
	False *string `json:"false,omitempty"`
}

// TaskKind enumerates the closed set of task handlers. Unknown kinds are
// rejected at parse time (FromConfig), not at use time, per the
// "tagged union of handlers" design note.
type TaskKind string

const (
	KindEndpoint    TaskKind = "endpoint"
	KindWebhook     TaskKind = "webhook"
	KindConditional TaskKind = "conditional"
	KindLoop        TaskKind = "loop"
	KindFilter      TaskKind = "filter"
)

// TaskConfig is one node of a WorkerConfig's task graph.
type TaskConfig struct {
	Name          string          `json:"name,omitempty"`
	Vendor        string          `json:"vendor,omitempty"`
	Category      string          `json:"type,omitempty"`
	ReactID       string          `json:"reactId"`
	Description   string          `json:"description,omitempty"`
	NeedsToWait   bool            `json:"needsToWait"`
	Fields        json.RawMessage `json:"fields"`
	Next          *Next           `json:"next,omitempty"`
	Assets        Assets          `json:"assets"`
	IntegrationID string          `json:"integrationId,omitempty"`
}

// Assets carries the asset/device schema declared for a task plus, once
// hydrated by the dispatcher, the actual objects selected per tag.
type Assets struct {
	Schema  []AssetSchemaEntry   `json:"schema,omitempty"`
	Objects map[string]TagAssets `json:"objects,omitempty"`
}

// AssetSchemaEntry names a (vendor, assetType) pair a Loop task declares it
// needs assets for.
type AssetSchemaEntry struct {
	Vendor    string `json:"vendor"`
	AssetType string `json:"assetType"`
}

// TagAssets is the set of assets and devices selected for one tag.
type TagAssets struct {
	Assets  []Asset  `json:"assets,omitempty"`
	Devices []Device `json:"devices,omitempty"`
}

// Asset is a tenant-scoped object owned by an Integration.
type Asset struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenantId"`
	IntegrationID   string          `json:"integrationId"`
	IntegrationType string          `json:"integrationType"`
	AssetType       string          `json:"assetType"`
	VendorID        string          `json:"vendorIdentifier,omitempty"`
	Attributes      json.RawMessage `json:"attributes"`
	Tags            []string        `json:"tags,omitempty"`
}

// Device is a tenant-scoped network device, keyed by serial/model rather
// than a vendor identifier.
type Device struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenantId"`
	IntegrationID   string          `json:"integrationId"`
	IntegrationType string          `json:"integrationType"`
	DeviceSerial    string          `json:"deviceSerial"`
	DeviceModel     string          `json:"deviceModel"`
	Attributes      json.RawMessage `json:"attributes"`
	Tags            []string        `json:"tags,omitempty"`
}

// Clone returns a deep copy of Assets with disjoint underlying maps/slices,
// used by the Loop handler to build a loop-local invocation state per
// spec's "no aliasing of maps across the original and clone" invariant.
func (a Assets) Clone() Assets {
	out := Assets{Schema: append([]AssetSchemaEntry(nil), a.Schema...)}
	if a.Objects != nil {
		out.Objects = make(map[string]TagAssets, len(a.Objects))
		for tag, ta := range a.Objects {
			out.Objects[tag] = TagAssets{
				Assets:  append([]Asset(nil), ta.Assets...),
				Devices: append([]Device(nil), ta.Devices...),
			}
		}
	}
	return out
}

// Header is a single HTTP header key/value pair.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// EndpointFields is the raw wire shape of an endpoint/webhook TaskConfig.
type EndpointFields struct {
	Method      string                     `json:"method"`
	Headers     []Header                   `json:"headers,omitempty"`
	PathParams  map[string]string          `json:"pathParams,omitempty"`
	QueryParams map[string]json.RawMessage `json:"queryParams,omitempty"`
	Body        json.RawMessage            `json:"body,omitempty"`
	TargetURL   string                     `json:"targetUrl"`
}

// ConditionalFields is the raw wire shape of a conditional TaskConfig.
type ConditionalFields struct {
	Expression []ConditionGroup `json:"expression"`
}

// Operator combines conditions or condition groups.
type Operator string

const (
	OpAnd Operator = "AND"
	OpOr  Operator = "OR"
)

// Comparitor is the closed set of comparison operators a Condition may use.
type Comparitor string

const (
	CmpEqual              Comparitor = "=="
	CmpNotEqual           Comparitor = "!="
	CmpGreaterThan        Comparitor = ">"
	CmpGreaterThanOrEqual Comparitor = ">="
	CmpLessThan           Comparitor = "<"
	CmpLessThanOrEqual    Comparitor = "<="
	CmpContains           Comparitor = "contains"
	CmpNotContains        Comparitor = "!contains"
	CmpBeginsWith         Comparitor = "begins_with"
	CmpNotBeginsWith      Comparitor = "!begins_with"
	CmpEndsWith           Comparitor = "ends_with"
	CmpNotEndsWith        Comparitor = "!ends_with"
)

// ConditionGroup is a set of Conditions combined by Op with the group that
// precedes it.
type ConditionGroup struct {
	Op         *Operator   `json:"op,omitempty"`
	Conditions []Condition `json:"conditions"`
}

// Condition is a single typed comparison between two operand templates.
type Condition struct {
	Op         *Operator  `json:"op,omitempty"`
	Comparitor Comparitor `json:"comparitor"`
	Var1       string     `json:"var1"`
	Var2       string     `json:"var2"`
}

// LoopFields is the raw wire shape of a loop TaskConfig.
type LoopFields struct {
	Tasks []TaskConfig `json:"tasks"`
}

// FilterFields is the raw wire shape of a filter TaskConfig.
type FilterFields struct {
	Condition      string `json:"condition"`
	ObjectToFilter string `json:"objectToFilter"`
	SearchKey      string `json:"searchKey"`
	SearchValue    string `json:"searchValue"`
}

// DecodeTaskFields inspects the raw fields of a TaskConfig and decodes it
// into the shape matching kind, the Go substitute for serde's
// #[serde(untagged)] enum decoding: try the handler-specific shape selected
// by the already-known `category`/`type` discriminant rather than probing
// blindly, since TaskConfig always carries its own kind.
func DecodeTaskFields(kind TaskKind, raw json.RawMessage) (any, error) {
	switch kind {
	case KindEndpoint, KindWebhook:
		var f EndpointFields
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("decode endpoint fields: %w", err)
		}
		return f, nil
	case KindConditional:
		var f ConditionalFields
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("decode conditional fields: %w", err)
		}
		return f, nil
	case KindLoop:
		var f LoopFields
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("decode loop fields: %w", err)
		}
		return f, nil
	case KindFilter:
		var f FilterFields
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("decode filter fields: %w", err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}
}
