package rediskey

import "fmt"

const (
	SequencePrefix = "seq"
	JobLockPrefix  = "lock:job"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildSequenceKey returns "seq:{name}:{day}"
func BuildSequenceKey(name, day string) string {
	return NamespaceKey(SequencePrefix, name+":"+day)
}

// BuildJobLockKey returns "lock:job:{job}"
func BuildJobLockKey(job string) string {
	return NamespaceKey(JobLockPrefix, job)
}
