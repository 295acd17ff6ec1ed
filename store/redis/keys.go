package redis

// Redis key naming conventions. All keys are prefixed with "convey:" to
// avoid collisions.

const keyPrefix = "convey:"

// jobKey returns the key for a job Hash: convey:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// queueKey returns the Sorted Set key for a queue's ready jobs, ordered
// by priority then arrival: convey:queue:{name}
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// delayedKey returns the Sorted Set key for a queue's not-yet-available
// jobs, scored by available_at: convey:delayed:{name}
func delayedKey(name string) string { return keyPrefix + "delayed:" + name }

// jobIDsKey is the Set tracking all job ids for enumeration.
const jobIDsKey = keyPrefix + "job_ids"
