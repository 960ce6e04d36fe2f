package dynamo

// Config holds configuration for the DynamoDB store.
type Config struct {
	// TableName is the items table. Its partition key is the numeric attribute "id".
	// Default: "canopy_items"
	TableName string

	// CounterID is the reserved id of the row holding the id sequence.
	// Item ids are always greater than CounterID.
	// Default: 0
	CounterID int64

	// ConsistentReads enables strongly consistent Get and List calls.
	// Default: true
	ConsistentReads bool
}

// DefaultConfig returns the configuration used by canopy serve.
func DefaultConfig() Config {
	return Config{
		TableName:       "canopy_items",
		CounterID:       0,
		ConsistentReads: true,
	}
}

// validate ensures config values are usable.
func (c *Config) validate() {
	if c.TableName == "" {
		c.TableName = "canopy_items"
	}
	if c.CounterID < 0 {
		c.CounterID = 0
	}
}
