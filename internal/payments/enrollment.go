package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const (
	internalServiceHeader = "X-Internal-Service"
	internalServiceName   = "payment-service"
	enrollmentSource      = "payment-saga"
)

// Enrollment is the downstream service's record of granted course access.
type Enrollment struct {
	ID       string
	UserID   string
	CourseID string
}

// EnrollmentClient grants course access on the downstream enrollment service.
// Implementations must be idempotent per transaction id.
type EnrollmentClient interface {
	CreateEnrollment(ctx context.Context, userID, courseID, transactionID string) (Enrollment, error)
}

// HTTPEnrollmentClient calls the enrollment service's internal endpoint
// through a resilient client, authorizing with the shared internal-service
// header (no end-user token exists at this point in the saga).
type HTTPEnrollmentClient struct {
	client *ResilientClient
}

// NewHTTPEnrollmentClient constructs a client for the enrollment service.
func NewHTTPEnrollmentClient(client *ResilientClient) *HTTPEnrollmentClient {
	return &HTTPEnrollmentClient{client: client}
}

func (c *HTTPEnrollmentClient) CreateEnrollment(ctx context.Context, userID, courseID, transactionID string) (Enrollment, error) {
	body := map[string]string{
		"userId":        userID,
		"courseId":      courseID,
		"transactionId": transactionID,
		"source":        enrollmentSource,
	}
	opts := &CallOptions{Headers: map[string]string{internalServiceHeader: internalServiceName}}

	resp, err := c.client.Post(ctx, "/enrollments/internal", body, opts)
	if err != nil {
		return Enrollment{}, err
	}

	var payload struct {
		Success bool `json:"success"`
		Data    struct {
			EnrollmentID string `json:"enrollmentId"`
			UserID       string `json:"userId"`
			CourseID     string `json:"courseId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return Enrollment{}, fmt.Errorf("decode enrollment response: %w", err)
	}
	if !payload.Success || payload.Data.EnrollmentID == "" {
		return Enrollment{}, fmt.Errorf("enrollment rejected for transaction %s", transactionID)
	}
	return Enrollment{
		ID:       payload.Data.EnrollmentID,
		UserID:   payload.Data.UserID,
		CourseID: payload.Data.CourseID,
	}, nil
}

// NewInMemoryEnrollmentClient constructs an in-memory enrollment client.
func NewInMemoryEnrollmentClient() *InMemoryEnrollmentClient {
	return &InMemoryEnrollmentClient{enrollments: make(map[string]Enrollment)}
}

// InMemoryEnrollmentClient tracks enrollments in memory, keyed by transaction
// id so repeat deliveries do not double-enroll.
type InMemoryEnrollmentClient struct {
	mu          sync.Mutex
	enrollments map[string]Enrollment
}

func (c *InMemoryEnrollmentClient) CreateEnrollment(ctx context.Context, userID, courseID, transactionID string) (Enrollment, error) {
	if err := ctx.Err(); err != nil {
		return Enrollment{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.enrollments[transactionID]; ok {
		return existing, nil
	}
	enrollment := Enrollment{ID: "enr_" + uuid.NewString(), UserID: userID, CourseID: courseID}
	c.enrollments[transactionID] = enrollment
	return enrollment, nil
}

// Enrollment returns the enrollment created for a transaction, if any.
func (c *InMemoryEnrollmentClient) Enrollment(transactionID string) (Enrollment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	enrollment, ok := c.enrollments[transactionID]
	return enrollment, ok
}
