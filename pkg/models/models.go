package models

import "strings"

// ResourceType is the network class of an egress resource.
type ResourceType string

const (
	DatacenterType  ResourceType = "datacenter"
	ResidentialType ResourceType = "residential"
	MobileType      ResourceType = "mobile"
	DedicatedType   ResourceType = "dedicated"
)

// ParseResourceType normalizes provider supplied type strings. Anything that
// is not recognisably residential, mobile or dedicated is a datacenter IP.
func ParseResourceType(s string) ResourceType {
	s = strings.ToLower(s)
	switch {
	case strings.Contains(s, "residential"):
		return ResidentialType
	case strings.Contains(s, "mobile"):
		return MobileType
	case strings.Contains(s, "dedicated"):
		return DedicatedType
	default:
		return DatacenterType
	}
}

func (t ResourceType) Valid() bool {
	switch t {
	case DatacenterType, ResidentialType, MobileType, DedicatedType:
		return true
	}
	return false
}

// Status is the lifecycle state of a resource.
type Status string

const (
	StatusAvailable Status = "available"
	StatusInUse     Status = "in_use"
	StatusCooldown  Status = "cooldown"
	StatusFlagged   Status = "flagged"
	StatusBanned    Status = "banned"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusInUse, StatusCooldown, StatusFlagged, StatusBanned:
		return true
	}
	return false
}

// Claimable reports whether a resource in this state may take another consumer.
func (s Status) Claimable() bool {
	return s == StatusAvailable || s == StatusInUse
}

// AllStatuses lists every state in lifecycle order.
var AllStatuses = []Status{StatusAvailable, StatusInUse, StatusCooldown, StatusFlagged, StatusBanned}
