// Package queue provides destination queues for feeder tasks.
//
// Two idleness flavours are offered:
//   - Buffer and RedisList report their backlog through Len; they are idle
//     when nothing is left to consume.
//   - WorkQueue runs its own consumers and reports Idle only when the backlog
//     is empty and no worker is processing an item.
package queue
