package redisq

const defaultPrefix = "spub:"

// Key layout:
//
//	{prefix}schedule:{id}         hash   job fields
//	{prefix}schedules:pending     zset   score=publish_at unix ms, member=id
//	{prefix}schedules:publishing  zset   score=publishing_since unix ms, member=id
type keys struct {
	prefix string
}

func (k keys) job(id string) string { return k.prefix + "schedule:" + id }

func (k keys) pending() string { return k.prefix + "schedules:pending" }

func (k keys) publishing() string { return k.prefix + "schedules:publishing" }
