package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "agentwatch"
)

// Ключи записей и индексов
const (
	RedisKeyAgentPrefix         = RedisNamespace + ":agent:"
	RedisKeyProjectIndexPrefix  = RedisNamespace + ":idx:project:"
	RedisKeyStatusIndexPrefix   = RedisNamespace + ":idx:status:"
	RedisPatternProjectIndexAll = RedisKeyProjectIndexPrefix + "*"
)

// RedisKeyAgent: основная запись агента (JSON, sliding TTL)
func RedisKeyAgent(id string) string { return RedisKeyAgentPrefix + id }

// RedisKeyProjectIndex: set id агентов проекта
func RedisKeyProjectIndex(projectPath string) string { return RedisKeyProjectIndexPrefix + projectPath }

// RedisKeyStatusIndex: set id агентов в статусе
func RedisKeyStatusIndex(status string) string { return RedisKeyStatusIndexPrefix + status }
