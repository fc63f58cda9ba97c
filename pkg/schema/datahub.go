package schema

// Data Hub table names.
const (
	TableAdvisers                         = "advisers"
	TableCompanies                        = "companies"
	TableContacts                         = "contacts"
	TableInteractions                     = "interactions"
	TableInteractionCompanies             = "interaction_companies"
	TableInteractionContacts              = "interaction_contacts"
	TableOrders                           = "orders"
	TableInvestmentProjects               = "investment_projects"
	TableInvestmentProjectClientContacts  = "investment_project_client_contacts"
	TableLargeCapitalOpportunities        = "large_capital_opportunities"
	TableLargeCapitalOpportunityPromoters = "large_capital_opportunity_promoters"
	TableLargeCapitalInvestorProfiles     = "large_capital_investor_profiles"
	TableCompanyLists                     = "company_lists"
	TableCompanyListItems                 = "company_list_items"
	TablePipelineItems                    = "pipeline_items"
	TablePipelineItemContacts             = "pipeline_item_contacts"
	TableOneListCoreTeamMembers           = "one_list_core_team_members"
	TableCompanyReferrals                 = "company_referrals"
	TableCompanyActivities                = "company_activities"
	TableCompanyExportCountries           = "company_export_countries"
	TableCompanyExportCountryHistory      = "company_export_country_history"
	TableAuditRevisions                   = "audit_revisions"
	TableAuditVersions                    = "audit_versions"
)

func id() Column {
	return Column{Name: IDColumn, Kind: KindText}
}

func text(name string) Column {
	return Column{Name: name, Kind: KindText, Nullable: true}
}

func requiredText(name string) Column {
	return Column{Name: name, Kind: KindText}
}

func boolean(name string) Column {
	return Column{Name: name, Kind: KindBool}
}

func timestamp(name string) Column {
	return Column{Name: name, Kind: KindTime, Nullable: true}
}

func integer(name string) Column {
	return Column{Name: name, Kind: KindInt}
}

func fk(name, table string) Column {
	return Column{Name: name, Kind: KindText, Nullable: true, References: table}
}

func requiredFK(name, table string) Column {
	return Column{Name: name, Kind: KindText, References: table}
}

// archivable are the archive and transfer columns shared by companies and contacts.
func archivable(table string) []Column {
	return []Column{
		boolean("archived"),
		timestamp("archived_on"),
		fk("archived_by_id", TableAdvisers),
		text("archived_reason"),
		text("transfer_reason"),
		fk("transferred_to_id", table),
		fk("transferred_by_id", TableAdvisers),
		timestamp("transferred_on"),
	}
}

func tracked() []Column {
	return []Column{
		timestamp("created_on"),
		timestamp("modified_on"),
		fk("modified_by_id", TableAdvisers),
	}
}

func columns(groups ...[]Column) []Column {
	var cols []Column
	for _, g := range groups {
		cols = append(cols, g...)
	}
	return cols
}

// DataHub returns the schema of the Data Hub tables the merge subsystem reads
// and writes. It must stay in step with db/pg.
func DataHub() *Schema {
	return MustNew(
		Table{
			Name: TableAdvisers,
			Columns: []Column{
				id(),
				text("first_name"),
				text("last_name"),
				text("email"),
				boolean("is_active"),
			},
		},
		Table{
			Name: TableCompanies,
			Columns: columns(
				[]Column{
					id(),
					requiredText("name"),
					text("company_number"),
					text("duns_number"),
					{Name: "global_headquarters_id", Kind: KindText, Nullable: true, References: TableCompanies, RelatedName: "subsidiaries"},
					fk("one_list_account_owner_id", TableAdvisers),
					text("address_1"),
					text("address_town"),
					text("address_postcode"),
					text("address_country"),
				},
				archivable(TableCompanies),
				tracked(),
			),
		},
		Table{
			Name: TableContacts,
			Columns: columns(
				[]Column{
					id(),
					fk("company_id", TableCompanies),
					text("first_name"),
					text("last_name"),
					text("job_title"),
					text("full_telephone_number"),
					text("email"),
					text("notes"),
					boolean("primary"),
					boolean("address_same_as_company"),
					text("address_1"),
					text("address_2"),
					text("address_town"),
					text("address_county"),
					text("address_postcode"),
					text("address_area"),
					text("address_country"),
				},
				archivable(TableContacts),
				tracked(),
			),
		},
		Table{
			Name: TableInteractions,
			Columns: columns(
				[]Column{
					id(),
					fk("company_id", TableCompanies),
					text("subject"),
					text("kind"),
					timestamp("date"),
				},
				tracked(),
			),
			ManyToMany: []ManyToMany{
				{Name: "companies", Through: TableInteractionCompanies, OwnerColumn: "interaction_id", TargetColumn: "company_id", Target: TableCompanies},
				{Name: "contacts", Through: TableInteractionContacts, OwnerColumn: "interaction_id", TargetColumn: "contact_id", Target: TableContacts},
			},
		},
		Table{
			Name:    TableInteractionCompanies,
			Columns: []Column{id(), requiredFK("interaction_id", TableInteractions), requiredFK("company_id", TableCompanies)},
			Unique:  [][]string{{"interaction_id", "company_id"}},
		},
		Table{
			Name:    TableInteractionContacts,
			Columns: []Column{id(), requiredFK("interaction_id", TableInteractions), requiredFK("contact_id", TableContacts)},
			Unique:  [][]string{{"interaction_id", "contact_id"}},
		},
		Table{
			Name: TableOrders,
			Columns: columns(
				[]Column{
					id(),
					requiredText("reference"),
					fk("company_id", TableCompanies),
					fk("contact_id", TableContacts),
				},
				tracked(),
			),
		},
		Table{
			Name: TableInvestmentProjects,
			Columns: columns(
				[]Column{
					id(),
					requiredText("name"),
					fk("investor_company_id", TableCompanies),
					fk("intermediate_company_id", TableCompanies),
					fk("uk_company_id", TableCompanies),
				},
				tracked(),
			),
			ManyToMany: []ManyToMany{
				{Name: "client_contacts", Through: TableInvestmentProjectClientContacts, OwnerColumn: "investment_project_id", TargetColumn: "contact_id", Target: TableContacts},
			},
		},
		Table{
			Name:    TableInvestmentProjectClientContacts,
			Columns: []Column{id(), requiredFK("investment_project_id", TableInvestmentProjects), requiredFK("contact_id", TableContacts)},
			Unique:  [][]string{{"investment_project_id", "contact_id"}},
		},
		Table{
			Name:    TableLargeCapitalOpportunities,
			Columns: columns([]Column{id(), requiredText("name")}, tracked()),
			ManyToMany: []ManyToMany{
				{Name: "promoters", Through: TableLargeCapitalOpportunityPromoters, OwnerColumn: "large_capital_opportunity_id", TargetColumn: "company_id", Target: TableCompanies},
			},
		},
		Table{
			Name:    TableLargeCapitalOpportunityPromoters,
			Columns: []Column{id(), requiredFK("large_capital_opportunity_id", TableLargeCapitalOpportunities), requiredFK("company_id", TableCompanies)},
			Unique:  [][]string{{"large_capital_opportunity_id", "company_id"}},
		},
		Table{
			Name: TableLargeCapitalInvestorProfiles,
			Columns: columns(
				[]Column{
					id(),
					{Name: "investor_company_id", Kind: KindText, References: TableCompanies, RelatedName: "investor_profiles"},
					text("investor_description"),
				},
				tracked(),
			),
			Unique: [][]string{{"investor_company_id"}},
		},
		Table{
			Name:    TableCompanyLists,
			Columns: columns([]Column{id(), requiredText("name"), fk("adviser_id", TableAdvisers)}, tracked()),
		},
		Table{
			Name:    TableCompanyListItems,
			Columns: columns([]Column{id(), requiredFK("list_id", TableCompanyLists), requiredFK("company_id", TableCompanies)}, tracked()),
			Unique:  [][]string{{"list_id", "company_id"}},
		},
		Table{
			Name: TablePipelineItems,
			Columns: columns(
				[]Column{
					id(),
					requiredText("name"),
					text("status"),
					fk("adviser_id", TableAdvisers),
					fk("company_id", TableCompanies),
				},
				tracked(),
			),
			ManyToMany: []ManyToMany{
				{Name: "contacts", Through: TablePipelineItemContacts, OwnerColumn: "pipeline_item_id", TargetColumn: "contact_id", Target: TableContacts},
			},
			Unique: [][]string{{"adviser_id", "company_id"}},
		},
		Table{
			Name:    TablePipelineItemContacts,
			Columns: []Column{id(), requiredFK("pipeline_item_id", TablePipelineItems), requiredFK("contact_id", TableContacts)},
			Unique:  [][]string{{"pipeline_item_id", "contact_id"}},
		},
		Table{
			Name: TableOneListCoreTeamMembers,
			Columns: []Column{
				id(),
				requiredFK("adviser_id", TableAdvisers),
				requiredFK("company_id", TableCompanies),
				boolean("is_global_account_manager"),
			},
			Unique: [][]string{{"adviser_id", "company_id"}},
		},
		Table{
			Name: TableCompanyReferrals,
			Columns: columns(
				[]Column{
					id(),
					fk("company_id", TableCompanies),
					fk("contact_id", TableContacts),
					text("subject"),
					text("status"),
				},
				tracked(),
			),
		},
		Table{
			Name: TableCompanyActivities,
			Columns: columns(
				[]Column{
					id(),
					fk("company_id", TableCompanies),
					fk("interaction_id", TableInteractions),
					fk("referral_id", TableCompanyReferrals),
					text("activity_source"),
					timestamp("date"),
				},
				tracked(),
			),
		},
		Table{
			Name: TableCompanyExportCountries,
			Columns: columns(
				[]Column{
					id(),
					requiredFK("company_id", TableCompanies),
					requiredText("country"),
					text("status"),
				},
				tracked(),
			),
			Unique: [][]string{{"company_id", "country"}},
		},
		Table{
			Name: TableCompanyExportCountryHistory,
			Columns: []Column{
				id(),
				fk("company_id", TableCompanies),
				text("country"),
				text("status"),
				text("history_type"),
				timestamp("history_date"),
			},
		},
		Table{
			Name: TableAuditRevisions,
			Columns: []Column{
				id(),
				requiredText("comment"),
				text("user_id"),
				requiredText("entity_type"),
				requiredText("source_id"),
				requiredText("target_id"),
				timestamp("created_on"),
				timestamp("reverted_on"),
				text("reverted_by_id"),
			},
		},
		Table{
			Name: TableAuditVersions,
			Columns: []Column{
				id(),
				requiredFK("revision_id", TableAuditRevisions),
				integer("seq"),
				requiredText("table_name"),
				requiredText("row_id"),
				requiredText("operation"),
				text("old_values"),
				text("new_values"),
			},
			Unique: [][]string{{"revision_id", "seq"}},
		},
	)
}
