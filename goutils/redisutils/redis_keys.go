package redisutils

const (
	REDIS_KEY_COMMIT_MESSAGE string = "commit:%s:message"
)
