package server

import (
	"time"

	"buildswarm/internal/decommission"
	"buildswarm/internal/directory"
	"buildswarm/internal/provider"

	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "buildswarm.Provisioner"

// Every RPC travels as protobuf well-known types: requests with several fields and list
// entries are structpb.Struct, single values use wrapperspb, results without payload emptypb.

// PlannedNode is a node planned by Provision as the client sees it
type PlannedNode struct {
	Name      string
	Template  string
	Executors int
}

// OptionsResponse lists the selectable flavors and images of a pool
type OptionsResponse struct {
	Hardware   []provider.Option
	Appliances []provider.Option
}

type fields map[string]*structpb.Value

func record(f fields) *structpb.Struct {
	return &structpb.Struct{Fields: f}
}

func getString(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func getInt(s *structpb.Struct, key string) int {
	return int(s.GetFields()[key].GetNumberValue())
}

func getBool(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func stringList(items []string) *structpb.Value {
	values := make([]*structpb.Value, 0, len(items))
	for _, item := range items {
		values = append(values, structpb.NewStringValue(item))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func getStrings(s *structpb.Struct, key string) []string {
	values := s.GetFields()[key].GetListValue().GetValues()
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.GetStringValue())
	}
	return out
}

// timestamps travel as RFC 3339 strings, the zero time as an empty string
func timeValue(t time.Time) *structpb.Value {
	if t.IsZero() {
		return structpb.NewStringValue("")
	}
	return structpb.NewStringValue(t.UTC().Format(time.RFC3339Nano))
}

func getTime(s *structpb.Struct, key string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, getString(s, key))
	if err != nil {
		return time.Time{}
	}
	return t
}

// list wraps records into a ListValue
func list[T any](items []T, encode func(T) *structpb.Struct) *structpb.ListValue {
	values := make([]*structpb.Value, 0, len(items))
	for _, item := range items {
		values = append(values, structpb.NewStructValue(encode(item)))
	}
	return &structpb.ListValue{Values: values}
}

// unlist decodes every struct entry of a ListValue
func unlist[T any](l *structpb.ListValue, decode func(*structpb.Struct) T) []T {
	out := make([]T, 0, len(l.GetValues()))
	for _, v := range l.GetValues() {
		out = append(out, decode(v.GetStructValue()))
	}
	return out
}

func encodeNode(n directory.Node) *structpb.Struct {
	return record(fields{
		"name":        structpb.NewStringValue(n.Name),
		"pool_id":     structpb.NewStringValue(n.PoolID),
		"template_id": structpb.NewStringValue(n.TemplateID),
		"server_id":   structpb.NewStringValue(n.ServerID),
		"provider":    structpb.NewStringValue(n.Provider),
		"host":        structpb.NewStringValue(n.Host),
		"port":        structpb.NewNumberValue(float64(n.Port)),
		"user":        structpb.NewStringValue(n.User),
		"executors":   structpb.NewNumberValue(float64(n.Executors)),
		"labels":      stringList(n.Labels),
		"description": structpb.NewStringValue(n.Description),
		"created_at":  timeValue(n.CreatedAt),
		"idle_since":  timeValue(n.IdleSince),
	})
}

func decodeNode(s *structpb.Struct) directory.Node {
	return directory.Node{
		Name:        getString(s, "name"),
		PoolID:      getString(s, "pool_id"),
		TemplateID:  getString(s, "template_id"),
		ServerID:    getString(s, "server_id"),
		Provider:    getString(s, "provider"),
		Host:        getString(s, "host"),
		Port:        getInt(s, "port"),
		User:        getString(s, "user"),
		Executors:   getInt(s, "executors"),
		Labels:      getStrings(s, "labels"),
		Description: getString(s, "description"),
		CreatedAt:   getTime(s, "created_at"),
		IdleSince:   getTime(s, "idle_since"),
	}
}

func encodeServer(srv provider.Server) *structpb.Struct {
	return record(fields{
		"id":         structpb.NewStringValue(srv.ID),
		"name":       structpb.NewStringValue(srv.Name),
		"status":     structpb.NewStringValue(string(srv.Status)),
		"addresses":  stringList(srv.Addresses),
		"created_at": timeValue(srv.CreatedAt),
	})
}

func decodeServer(s *structpb.Struct) provider.Server {
	return provider.Server{
		ID:        getString(s, "id"),
		Name:      getString(s, "name"),
		Status:    provider.Status(getString(s, "status")),
		Addresses: getStrings(s, "addresses"),
		CreatedAt: getTime(s, "created_at"),
	}
}

func encodeOption(o provider.Option) *structpb.Struct {
	return record(fields{
		"id":          structpb.NewStringValue(o.ID),
		"name":        structpb.NewStringValue(o.Name),
		"description": structpb.NewStringValue(o.Description),
	})
}

func decodeOption(s *structpb.Struct) provider.Option {
	return provider.Option{
		ID:          getString(s, "id"),
		Name:        getString(s, "name"),
		Description: getString(s, "description"),
	}
}

// encodeDeletion leaves the credential out, only its key is shown to operators
func encodeDeletion(d decommission.Deletion) *structpb.Struct {
	return record(fields{
		"id":             structpb.NewNumberValue(float64(d.ID)),
		"credential_key": structpb.NewStringValue(d.CredentialKey),
		"server_id":      structpb.NewStringValue(d.ServerID),
		"enqueued_at":    timeValue(d.EnqueuedAt),
		"attempts":       structpb.NewNumberValue(float64(d.Attempts)),
		"last_error":     structpb.NewStringValue(d.LastError),
	})
}

func decodeDeletion(s *structpb.Struct) decommission.Deletion {
	return decommission.Deletion{
		ID:            uint64(s.GetFields()["id"].GetNumberValue()),
		CredentialKey: getString(s, "credential_key"),
		ServerID:      getString(s, "server_id"),
		EnqueuedAt:    getTime(s, "enqueued_at"),
		Attempts:      getInt(s, "attempts"),
		LastError:     getString(s, "last_error"),
	}
}

func encodePlanned(p PlannedNode) *structpb.Struct {
	return record(fields{
		"name":      structpb.NewStringValue(p.Name),
		"template":  structpb.NewStringValue(p.Template),
		"executors": structpb.NewNumberValue(float64(p.Executors)),
	})
}

func decodePlanned(s *structpb.Struct) PlannedNode {
	return PlannedNode{
		Name:      getString(s, "name"),
		Template:  getString(s, "template"),
		Executors: getInt(s, "executors"),
	}
}
