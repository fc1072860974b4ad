// Package incident provides the business boundary for Bulwark's incident
// lifecycle. It defines the Service (ingestion, lifecycle, latest-incident
// tracking), the Pipeline (ordered stage execution over collaborators), the
// Store interface (persistence), and the domain models.
package incident
