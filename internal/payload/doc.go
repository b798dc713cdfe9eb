// Package payload defines the experiment payload submitted as a job: the
// sample, the ordered task list, and scheduling preferences such as whether the
// pipeline stays ready after success. Payloads are accepted as YAML or JSON and
// stored with the job in their canonical JSON form.
package payload
