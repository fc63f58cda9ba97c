package merging

import (
	"strings"

	"github.com/Ramsey-B/datahub/pkg/models"
	"github.com/Ramsey-B/datahub/pkg/schema"
	"github.com/Ramsey-B/datahub/pkg/store"
)

// ContactMergedComment tags the audit revision of a contact merge.
const ContactMergedComment = "Contact merged"

// ContactConfig is the merge configuration for contacts.
func ContactConfig() EntityConfig {
	return EntityConfig{
		Type:    models.EntityTypeContact,
		Table:   schema.TableContacts,
		Comment: ContactMergedComment,
		Configurations: []Configuration{
			{Model: schema.TableCompanyReferrals, Fields: []string{"contact"}, Label: "company referral", Plural: "company referrals"},
			{Model: schema.TableInteractions, Fields: []string{"contacts"}, Label: "interaction", Plural: "interactions"},
			{Model: schema.TableInvestmentProjects, Fields: []string{"client_contacts"}, Label: "investment project", Plural: "investment projects"},
			{Model: schema.TableOrders, Fields: []string{"contact"}, Label: "order", Plural: "orders"},
			{Model: schema.TablePipelineItems, Fields: []string{"contacts"}, Label: "pipeline item", Plural: "pipeline items"},
		},
		Allowed: []string{
			schema.RelationKey(schema.TableContacts, "transferred_to"),
		},
		DisplayName: func(row store.Row) string {
			return strings.TrimSpace(row.String("first_name") + " " + row.String("last_name"))
		},
		FieldMerge: &FieldMerge{
			Fields: []string{"job_title", "full_telephone_number", "email", "notes"},
			AddressFields: []string{
				"address_1",
				"address_2",
				"address_town",
				"address_county",
				"address_postcode",
				"address_area",
				"address_country",
			},
			AddressSameAs: "address_same_as_company",
		},
	}
}
