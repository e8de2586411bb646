package redis

// Redis key naming conventions. All channels are prefixed with
// "mongojobs:" to avoid collisions.

const keyPrefix = "mongojobs:"

// changesChannel returns the pub/sub channel for a queue:
// mongojobs:changes:{queue}
func changesChannel(queue string) string { return keyPrefix + "changes:" + queue }
