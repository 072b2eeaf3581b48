package pushsubscription

import "time"

// Subscription is a browser web-push endpoint belonging to an operator
// who wants to be paged about pending approvals.
type Subscription struct {
	ID        string    `yaml:"id" json:"id"`
	Endpoint  string    `yaml:"endpoint" json:"endpoint"`
	P256dhKey string    `yaml:"p256dh_key" json:"p256dh_key"`
	AuthKey   string    `yaml:"auth_key" json:"auth_key"`
	Label     string    `yaml:"label" json:"label,omitempty"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}
