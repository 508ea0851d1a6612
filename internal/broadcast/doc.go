// Package broadcast holds the Job and Target records and their closed status enums.
package broadcast
