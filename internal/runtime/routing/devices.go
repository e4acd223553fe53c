package routing

import "context"

// Device is the device context made available to routing strategies.
type Device struct {
	ID           string            `json:"id"`
	Token        string            `json:"token,omitempty"`
	DeviceTypeID string            `json:"deviceTypeId,omitempty"`
	ParentID     string            `json:"parentId,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Assignment is the assignment context made available to routing strategies.
type Assignment struct {
	ID         string            `json:"id"`
	Token      string            `json:"token,omitempty"`
	DeviceID   string            `json:"deviceId,omitempty"`
	AreaID     string            `json:"areaId,omitempty"`
	CustomerID string            `json:"customerId,omitempty"`
	AssetID    string            `json:"assetId,omitempty"`
	Status     string            `json:"status,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// DeviceManagement is the device-management collaborator of a tenant. The
// router calls it on every routed event; lookups are not cached here.
type DeviceManagement interface {
	GetDevice(ctx context.Context, id string) (*Device, error)
	GetAssignment(ctx context.Context, id string) (*Assignment, error)
}

func (d *Device) vars() map[string]any {
	if d == nil {
		return nil
	}
	return map[string]any{
		"id":           d.ID,
		"token":        d.Token,
		"deviceTypeId": d.DeviceTypeID,
		"parentId":     d.ParentID,
		"metadata":     stringMap(d.Metadata),
	}
}

func (a *Assignment) vars() map[string]any {
	if a == nil {
		return nil
	}
	return map[string]any{
		"id":         a.ID,
		"token":      a.Token,
		"deviceId":   a.DeviceID,
		"areaId":     a.AreaID,
		"customerId": a.CustomerID,
		"assetId":    a.AssetID,
		"status":     a.Status,
		"metadata":   stringMap(a.Metadata),
	}
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
