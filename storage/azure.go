package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"prism-board/notify"
)

var retryOptions = policy.RetryOptions{
	MaxRetries:    3,
	TryTimeout:    time.Minute,
	RetryDelay:    time.Second,
	MaxRetryDelay: 15 * time.Second,
	StatusCodes:   []int{408, 429, 500, 502, 503, 504},
}

type entityClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, o *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
}

// TablePreferences keeps notification preferences in an Azure table, one
// entity per user with PartitionKey = RowKey = user id and the preference
// document in the Preferences property.
type TablePreferences struct {
	table entityClient
}

type preferencesEntity struct {
	aztables.Entity
	Preferences string `json:"Preferences"`
}

// NewTablePreferences connects to table using an account connection string.
func NewTablePreferences(connStr, table string) (*TablePreferences, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{Retry: retryOptions},
	})
	if err != nil {
		return nil, err
	}
	return &TablePreferences{table: svc.NewClient(table)}, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// Preferences returns the stored preferences or the defaults when the user
// has no entity yet.
func (t *TablePreferences) Preferences(ctx context.Context, userID string) (notify.Preferences, error) {
	resp, err := t.table.GetEntity(ctx, userID, userID, nil)
	if isNotFound(err) {
		return notify.Defaults(), nil
	}
	if err != nil {
		return notify.Preferences{}, err
	}
	var ent preferencesEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return notify.Preferences{}, err
	}
	return notify.ParsePreferences([]byte(ent.Preferences))
}

func (t *TablePreferences) SetPreferences(ctx context.Context, userID string, p notify.Preferences) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ent, err := json.Marshal(preferencesEntity{
		Entity:      aztables.Entity{PartitionKey: userID, RowKey: userID},
		Preferences: string(doc),
	})
	if err != nil {
		return err
	}
	_, err = t.table.UpsertEntity(ctx, ent, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// CreateTables creates the named tables, ignoring those that already exist.
func CreateTables(ctx context.Context, connStr string, names ...string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
	}
	return nil
}

// CreateQueues creates the named queues, ignoring those that already exist.
func CreateQueues(ctx context.Context, connStr string, names ...string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
				return err
			}
		}
	}
	return nil
}

// NewQueueClient opens a queue with the service retry policy.
func NewQueueClient(connStr, queue string) (*azqueue.QueueClient, error) {
	return azqueue.NewQueueClientFromConnectionString(connStr, queue, &azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{Retry: retryOptions},
	})
}
