// Package platform defines the abstract collaborators the sync engine consumes:
// the remote subscriber platform and the commerce purchase oracle. Concrete
// implementations live under internal/client; the engine never sees loosely
// typed payloads, only these records.
package platform

import (
	"context"

	"github.com/shopspring/decimal"
)

type Campaign struct {
	ID      string
	Name    string
	Type    string
	Subject string
}

type Group struct {
	ID     string
	Name   string
	Active int
}

type Field struct {
	ID   string
	Name string
	Type string
}

// Member is one subscriber record as the remote platform reports it. Fields
// holds custom field values keyed by field name.
type Member struct {
	ID     string
	Email  string
	Name   string
	Fields map[string]string
}

type SalesRecord struct {
	OrderID   string
	Email     string
	ProductID string
	Amount    decimal.Decimal
	Completed bool
}

type SalesSnapshot struct {
	Emails  []string
	Records []SalesRecord
}

type SubscriberPlatform interface {
	ListCampaigns(ctx context.Context) ([]Campaign, error)
	CreateCampaign(ctx context.Context, name, campaignType, subject string) (*Campaign, error)
	ListGroups(ctx context.Context) ([]Group, error)
	CreateGroup(ctx context.Context, name string) (*Group, error)
	DeleteGroup(ctx context.Context, groupID string) error
	ListGroupMembers(ctx context.Context, groupID string, page, pageSize int) ([]Member, error)
	AddMemberToGroup(ctx context.Context, memberID, groupID string) error
	RemoveMemberFromGroup(ctx context.Context, memberID, groupID string) error
	ListFields(ctx context.Context) ([]Field, error)
	CreateField(ctx context.Context, name, fieldType string) (*Field, error)
	DeleteField(ctx context.Context, fieldID string) error
	GetMember(ctx context.Context, emailOrID string) (*Member, error)
	UpdateMemberFields(ctx context.Context, memberID string, fields map[string]string) error
	BulkImportMembers(ctx context.Context, groupID string, members []Member) error
}

type PurchaseOracle interface {
	HasPurchased(ctx context.Context, email, productID string) (bool, error)
	ValidateOrder(ctx context.Context, orderID, email string) (bool, error)
	GetSales(ctx context.Context, campaign string) (*SalesSnapshot, error)
}
